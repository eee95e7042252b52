package spire

import (
	"fmt"

	"github.com/infigaming-com/go-spire/errors"
)

// Resource is implemented by every addressable service object: it can be
// located by URL, authorized by capability and described by a media type name
// from the discovery schema.
type Resource interface {
	URL() string
	Capability() string
	ResourceName() string
}

// Ref is the {url, capability} pair the service uses for collections and
// nested resources.
type Ref struct {
	URL        string `json:"url"`
	Capability string `json:"capability,omitempty"`
}

// Authorization returns the header value for r.
func Authorization(r Resource) (string, error) {
	return capabilityHeader(r.Capability())
}

func capabilityHeader(token string) (string, error) {
	if token == "" {
		return "", errors.Wrap(ErrMalformedResource, fmt.Errorf("missing capability"))
	}
	return "Capability " + token, nil
}
