package targetstore

import (
	"context"
	"net/http"
	"strings"

	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/jobspec"
	"github.com/syt100/bastion/internal/store"
)

// Resolve turns a job's jobspec.Target into a concrete Store, the shared
// seam both the hub worker (internal/worker.TargetFactory) and the agent
// client wire their dispatched/offline run execution through, so target
// resolution is written once rather than duplicated per caller.
func Resolve(ctx context.Context, secrets *store.SecretsRepo, nodeID string, target jobspec.Target) (Store, error) {
	switch target.Kind {
	case jobspec.TargetLocalDir:
		return NewLocalDir(target.BasePath), nil
	case jobspec.TargetWebDAV:
		client := http.DefaultClient
		if target.SecretName != "" {
			cred, err := secrets.GetSecret(ctx, nodeID, "webdav", target.SecretName)
			if err != nil {
				return nil, err
			}
			client = basicAuthClient(string(cred))
		}
		return NewWebDAV(target.BasePath, client), nil
	default:
		return nil, apperrors.Newf(apperrors.ErrorTypeValidation, "targetstore: unknown target kind %q", target.Kind)
	}
}

// ResolveFromSecrets is Resolve's variant for the agent-side offline path,
// where the webdav credential has already been inlined as plaintext by the
// hub's JobSpecResolvedV1 payload (internal/worker's resolveSpec) rather
// than read back from a local SecretsRepo.
func ResolveFromSecrets(target jobspec.Target, secrets map[string]string) (Store, error) {
	switch target.Kind {
	case jobspec.TargetLocalDir:
		return NewLocalDir(target.BasePath), nil
	case jobspec.TargetWebDAV:
		client := http.DefaultClient
		if cred, ok := secrets["webdav/"+target.SecretName]; ok {
			client = basicAuthClient(cred)
		}
		return NewWebDAV(target.BasePath, client), nil
	default:
		return nil, apperrors.Newf(apperrors.ErrorTypeValidation, "targetstore: unknown target kind %q", target.Kind)
	}
}

// basicAuthClient wraps http.DefaultTransport to attach HTTP Basic auth
// from a "user:pass" credential to every outgoing request.
func basicAuthClient(cred string) *http.Client {
	user, pass, _ := strings.Cut(cred, ":")
	return &http.Client{Transport: &basicAuthTransport{user: user, pass: pass, base: http.DefaultTransport}}
}

type basicAuthTransport struct {
	user, pass string
	base       http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.user, t.pass)
	return t.base.RoundTrip(req)
}
