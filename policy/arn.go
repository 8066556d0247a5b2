package policy

import (
	"fmt"
	"strings"
)

// Resource kinds used in IoT ARNs.
const (
	KindClient      = "client"
	KindTopic       = "topic"
	KindTopicFilter = "topicfilter"
	KindThing       = "thing"
)

// ResourceNamer builds resource ARNs for one region and account.
type ResourceNamer struct {
	Region  string
	Account string
}

// ARN returns arn:aws:iot:{region}:{account}:{kind}/{name}.
func (r ResourceNamer) ARN(kind, name string) string {
	return fmt.Sprintf("arn:aws:iot:%s:%s:%s/%s", r.Region, r.Account, kind, name)
}

func (r ResourceNamer) Client(clientID string) string { return r.ARN(KindClient, clientID) }

func (r ResourceNamer) Topic(topic string) string { return r.ARN(KindTopic, topic) }

func (r ResourceNamer) TopicFilter(filter string) string { return r.ARN(KindTopicFilter, filter) }

// ResourceARN is a parsed IoT resource ARN.
type ResourceARN struct {
	Region  string
	Account string
	Kind    string
	Name    string
}

// ParseARN splits an IoT resource ARN. The name may itself contain "/".
func ParseARN(arn string) (ResourceARN, error) {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" || parts[1] != "aws" || parts[2] != "iot" {
		return ResourceARN{}, fmt.Errorf("not an iot resource arn: %q", arn)
	}
	kind, name, ok := strings.Cut(parts[5], "/")
	if !ok || kind == "" || name == "" {
		return ResourceARN{}, fmt.Errorf("arn %q has no resource kind and name", arn)
	}
	return ResourceARN{
		Region:  parts[3],
		Account: parts[4],
		Kind:    kind,
		Name:    name,
	}, nil
}
