package provisioning

import (
	"fmt"
	"strings"

	"github.com/ruteri/fleet-provisioning-backend/interfaces"
	"github.com/ruteri/fleet-provisioning-backend/policy"
)

// Operation is the registration request a topic carries.
type Operation int

const (
	OpCreateKeysAndCertificate Operation = iota + 1
	OpCreateCertificateFromCSR
	OpRegisterThing
)

func (o Operation) String() string {
	switch o {
	case OpCreateKeysAndCertificate:
		return "CreateKeysAndCertificate"
	case OpCreateCertificateFromCSR:
		return "CreateCertificateFromCsr"
	case OpRegisterThing:
		return "RegisterThing"
	}
	return "unknown"
}

// Payload formats a device may choose as the last topic segment.
const (
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

const (
	acceptedSuffix = "/accepted"
	rejectedSuffix = "/rejected"
)

// Topic is a parsed registration request topic.
type Topic struct {
	Name         string
	Operation    Operation
	TemplateName string
	Format       string
}

// Accepted returns the topic the success reply is published on.
func (t Topic) Accepted() string { return t.Name + acceptedSuffix }

// Rejected returns the topic the rejection reply is published on.
func (t Topic) Rejected() string { return t.Name + rejectedSuffix }

// ParseTopic recognises the request topics of the three registration
// operations. Reply topics are not request topics.
func ParseTopic(name string) (Topic, error) {
	idx := strings.LastIndexByte(name, '/')
	if idx < 0 {
		return Topic{}, fmt.Errorf("%w: unknown topic %q", interfaces.ErrParameter, name)
	}
	root, format := name[:idx], name[idx+1:]
	if format != FormatJSON && format != FormatCBOR {
		return Topic{}, fmt.Errorf("%w: unsupported payload format in topic %q", interfaces.ErrParameter, name)
	}

	t := Topic{Name: name, Format: format}
	switch {
	case root == policy.CreateCertificateTopic:
		t.Operation = OpCreateKeysAndCertificate
	case root == policy.CreateCertificateFromCSRTopic:
		t.Operation = OpCreateCertificateFromCSR
	default:
		tmpl, ok := templateFromProvisionTopic(root)
		if !ok {
			return Topic{}, fmt.Errorf("%w: unknown topic %q", interfaces.ErrParameter, name)
		}
		t.Operation = OpRegisterThing
		t.TemplateName = tmpl
	}
	return t, nil
}

// RequestTopic builds the request topic of op. templateName is only used by
// OpRegisterThing.
func RequestTopic(op Operation, templateName, format string) string {
	switch op {
	case OpCreateKeysAndCertificate:
		return policy.CreateCertificateTopic + "/" + format
	case OpCreateCertificateFromCSR:
		return policy.CreateCertificateFromCSRTopic + "/" + format
	}
	return policy.ProvisionTopic(templateName) + "/" + format
}

func templateFromProvisionTopic(root string) (string, bool) {
	prefix, suffix, found := strings.Cut(policy.ProvisionTopic("\x00"), "\x00")
	if !found || !strings.HasPrefix(root, prefix) || !strings.HasSuffix(root, suffix) {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(root, prefix), suffix)
	if interfaces.ValidateThingName(name) != nil {
		return "", false
	}
	return name, true
}
