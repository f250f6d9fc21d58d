package identity

import (
	"net/http"
	"strings"

	"github.com/rcourtman/tiergate/internal/credstore"
)

// CredentialSource returns the credential pair to attach to a request.
// ok is false when no token is held.
type CredentialSource func() (creds credstore.Credentials, ok bool)

// StoreSource adapts a credential store. Read errors are treated as no token.
func StoreSource(store credstore.Store) CredentialSource {
	return func() (credstore.Credentials, bool) {
		if store == nil {
			return credstore.Credentials{}, false
		}
		creds, ok, err := store.Load()
		if err != nil || !ok || creds.Empty() {
			return credstore.Credentials{}, false
		}
		return creds, true
	}
}

// bearerTransport sets Authorization from the current credentials. With no
// token the header is removed rather than sent empty.
type bearerTransport struct {
	base   http.RoundTripper
	source CredentialSource
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Header.Del("Authorization")
	if t.source != nil {
		if creds, ok := t.source(); ok {
			out.Header.Set("Authorization", "Bearer "+strings.TrimSpace(creds.AccessToken))
		}
	}
	return t.base.RoundTrip(out)
}
