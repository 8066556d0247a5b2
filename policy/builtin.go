package policy

// Registration topic families. The device picks the payload format as the
// last path segment (json or cbor) and receives replies on
// .../accepted and .../rejected below it.
const (
	CreateCertificateTopic        = "$aws/certificates/create"
	CreateCertificateFromCSRTopic = "$aws/certificates/create-from-csr"
)

// ProvisionTopic returns the submission topic root for a provisioning template.
func ProvisionTopic(templateName string) string {
	return "$aws/provisioning-templates/" + templateName + "/provision"
}

// SharedTopic is the broadcast namespace every provisioned device may use.
const SharedTopic = "openworld"

// ClaimPolicy is granted to any client holding the claim credential. It
// allows connecting with any client id, and publishing, receiving and
// subscribing only on the registration topic families of templateName.
func ClaimPolicy(id string, res ResourceNamer, templateName string) Document {
	families := []string{
		CreateCertificateTopic + "/*",
		CreateCertificateFromCSRTopic + "/*",
		ProvisionTopic(templateName) + "/*",
	}

	topics := make([]string, 0, len(families))
	filters := make([]string, 0, len(families))
	for _, f := range families {
		topics = append(topics, res.Topic(f))
		filters = append(filters, res.TopicFilter(f))
	}

	return Document{
		ID:      id,
		Version: DefaultVersion,
		Statement: []Statement{
			{Effect: EffectAllow, Action: StringList{ActionConnect}, Resource: StringList{"*"}},
			{Effect: EffectAllow, Action: StringList{ActionPublish, ActionReceive}, Resource: topics},
			{Effect: EffectAllow, Action: StringList{ActionSubscribe}, Resource: filters},
		},
	}
}

// DevicePolicy is bound to every provisioned thing. It is stored with
// placeholders and scoped to {thingName}/* plus the shared topics at evaluation.
func DevicePolicy(id string, res ResourceNamer, shared []string) Document {
	topics := []string{res.Topic(ThingNamePlaceholder + "/*")}
	filters := []string{res.TopicFilter(ThingNamePlaceholder + "/*")}
	for _, s := range shared {
		topics = append(topics, res.Topic(s))
		filters = append(filters, res.TopicFilter(s))
	}

	return Document{
		ID:      id,
		Version: DefaultVersion,
		Statement: []Statement{
			{Effect: EffectAllow, Action: StringList{ActionConnect}, Resource: StringList{res.Client(ThingNamePlaceholder)}},
			{Effect: EffectAllow, Action: StringList{ActionSubscribe}, Resource: filters},
			{Effect: EffectAllow, Action: StringList{ActionPublish, ActionReceive}, Resource: topics},
		},
	}
}
