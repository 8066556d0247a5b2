package policy

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/fleet-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNamer = ResourceNamer{Region: "eu-west-1", Account: "123456789012"}

func newTestEngine() *Engine {
	return NewEngine(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"*", "", true},
		{"*", "anything/at/all", true},
		{"pi-0007/*", "pi-0007/telemetry", true},
		{"pi-0007/*", "pi-0007/a/b/c", true},
		{"pi-0007/*", "pi-0007", false},
		{"pi-0007/*", "pi-0008/telemetry", false},
		{"openworld", "openworld", true},
		{"openworld", "openworld/x", false},
		{"dev-?", "dev-1", true},
		{"dev-?", "dev-12", false},
		{"a*b*c", "axxbyyc", true},
		{"a*b*c", "axxbyy", false},
		{"$aws/certificates/create/*", "$aws/certificates/create/json", true},
		{"$aws/certificates/create/*", "$aws/certificates/create-from-csr/json", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s~%s", tt.pattern, tt.value), func(t *testing.T) {
			assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.value))
		})
	}

	assert.True(t, MatchAction("iot:publish", "iot:Publish"))
	assert.True(t, MatchAction("iot:*", "iot:Subscribe"))
	assert.False(t, MatchAction("iot:Connect", "iot:Publish"))
}

func TestParseDocument(t *testing.T) {
	body := []byte(`{
		// comments are allowed
		"Version": "2012-10-17",
		"Statement": [
			{"Effect": "Allow", "Action": "iot:Connect", "Resource": "*"},
			{"Effect": "Deny", "Action": ["iot:Publish"], "Resource": ["arn:aws:iot:eu-west-1:1:topic/x"],},
		]
	}`)

	doc, err := ParseDocument("p1", body)
	require.NoError(t, err)
	assert.Equal(t, "p1", doc.ID)
	require.Len(t, doc.Statement, 2)
	assert.Equal(t, StringList{"iot:Connect"}, doc.Statement[0].Action)
	assert.Equal(t, StringList{"*"}, doc.Statement[0].Resource)
	assert.Equal(t, EffectDeny, doc.Statement[1].Effect)

	_, err = ParseDocument("bad", []byte(`{"Statement": [{"Effect": "Maybe", "Action": "a", "Resource": "r"}]}`))
	assert.Error(t, err)

	_, err = ParseDocument("empty", []byte(`{"Statement": []}`))
	assert.Error(t, err)
}

func TestEvaluate(t *testing.T) {
	engine := newTestEngine()
	doc := DevicePolicy("device", testNamer, []string{SharedTopic})
	original := doc.Clone()
	bindings := map[string]string{BindingThingName: "pi-0007"}

	concrete, err := engine.Evaluate(doc, bindings)
	require.NoError(t, err)

	assert.Equal(t, "device", concrete.ID)
	assert.Equal(t, StringList{"arn:aws:iot:eu-west-1:123456789012:client/pi-0007"}, concrete.Statements[0].Resource)
	assert.Equal(t, StringList{
		"arn:aws:iot:eu-west-1:123456789012:topic/pi-0007/*",
		"arn:aws:iot:eu-west-1:123456789012:topic/openworld",
	}, concrete.Statements[2].Resource)

	// inputs are never mutated
	assert.Equal(t, original, doc)
	assert.Equal(t, map[string]string{BindingThingName: "pi-0007"}, bindings)

	// mutating the output does not leak into the document
	concrete.Statements[0].Resource[0] = "changed"
	assert.Equal(t, original, doc)
}

func TestEvaluateErrors(t *testing.T) {
	engine := newTestEngine()

	withResource := func(r string) Document {
		return Document{ID: "p", Statement: []Statement{{Effect: EffectAllow, Action: StringList{ActionPublish}, Resource: StringList{r}}}}
	}

	_, err := engine.Evaluate(withResource("topic/${iot:Connection.Thing.ThingName}"), nil)
	assert.ErrorIs(t, err, interfaces.ErrUnboundVariable)

	_, err = engine.Evaluate(withResource("topic/${iot:Connection.Thing.Attributes[x]}"), map[string]string{BindingThingName: "a"})
	assert.ErrorIs(t, err, interfaces.ErrUnknownPlaceholder)

	_, err = engine.Evaluate(withResource("topic/${iot:ClientId"), map[string]string{BindingClientID: "a"})
	assert.ErrorIs(t, err, interfaces.ErrUnknownPlaceholder)

	for _, injected := range []string{"*", "a/b", "pi-0007/*", "x?", ""} {
		_, err = engine.Evaluate(withResource("topic/${iot:Connection.Thing.ThingName}/*"), map[string]string{BindingThingName: injected})
		assert.ErrorIs(t, err, interfaces.ErrParameter, injected)
	}

	concrete, err := engine.Evaluate(withResource("topic/${iot:ClientId}/${iot:ClientId}"), map[string]string{BindingClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, StringList{"topic/c1/c1"}, concrete.Statements[0].Resource)
}

func TestAuthorize(t *testing.T) {
	p := ConcretePolicy{
		ID: "p",
		Statements: []Statement{
			{Effect: EffectAllow, Action: StringList{"iot:*"}, Resource: StringList{"topic/a/*"}},
			{Effect: EffectDeny, Action: StringList{ActionPublish}, Resource: StringList{"topic/a/secret"}},
		},
	}

	assert.Equal(t, DecisionAllow, Authorize([]ConcretePolicy{p}, ActionPublish, "topic/a/b"))
	assert.Equal(t, DecisionExplicitDeny, Authorize([]ConcretePolicy{p}, ActionPublish, "topic/a/secret"))
	assert.Equal(t, DecisionAllow, Authorize([]ConcretePolicy{p}, ActionReceive, "topic/a/secret"))
	assert.Equal(t, DecisionImplicitDeny, Authorize([]ConcretePolicy{p}, ActionPublish, "topic/b"))
	assert.Equal(t, DecisionImplicitDeny, Authorize(nil, ActionPublish, "topic/a/b"))
	assert.False(t, DecisionExplicitDeny.Allowed())
	assert.Equal(t, "allow", DecisionAllow.String())
}

// Every device policy grants publish, receive and subscribe only inside the
// device's own namespace or the shared topic.
func TestDevicePolicyScoping(t *testing.T) {
	engine := newTestEngine()
	doc := DevicePolicy("device", testNamer, []string{SharedTopic})
	devices := []string{"pi-0007", "pi-0008", "pi-00", "sensor:42", "a_b"}

	for _, name := range devices {
		concrete, err := engine.Evaluate(doc, map[string]string{BindingThingName: name})
		require.NoError(t, err)
		require.NoError(t, CheckScoping(concrete, name, []string{SharedTopic}))

		policies := []ConcretePolicy{concrete}
		for _, action := range []string{ActionPublish, ActionReceive} {
			assert.True(t, Authorize(policies, action, testNamer.Topic(name+"/telemetry")).Allowed())
			assert.True(t, Authorize(policies, action, testNamer.Topic(SharedTopic)).Allowed())
		}
		assert.True(t, Authorize(policies, ActionSubscribe, testNamer.TopicFilter(name+"/cmd")).Allowed())
		assert.True(t, Authorize(policies, ActionConnect, testNamer.Client(name)).Allowed())

		for _, other := range devices {
			if other == name {
				continue
			}
			for _, action := range []string{ActionPublish, ActionReceive} {
				assert.False(t, Authorize(policies, action, testNamer.Topic(other+"/telemetry")).Allowed(), "%s reached %s", name, other)
			}
			assert.False(t, Authorize(policies, ActionSubscribe, testNamer.TopicFilter(other+"/#")).Allowed())
			assert.False(t, Authorize(policies, ActionConnect, testNamer.Client(other)).Allowed())
		}

		assert.False(t, Authorize(policies, ActionPublish, testNamer.Topic(name)).Allowed())
		assert.False(t, Authorize(policies, ActionPublish, testNamer.Topic("$aws/things/"+name+"/shadow/update")).Allowed())
	}
}

func TestCheckScoping(t *testing.T) {
	allow := func(resources ...string) ConcretePolicy {
		return ConcretePolicy{ID: "p", Statements: []Statement{{Effect: EffectAllow, Action: StringList{ActionPublish}, Resource: resources}}}
	}
	shared := []string{SharedTopic}

	assert.NoError(t, CheckScoping(allow(testNamer.Topic("pi-1/*"), testNamer.Topic("openworld")), "pi-1", shared))
	assert.NoError(t, CheckScoping(allow(testNamer.Client("pi-1")), "pi-1", shared))

	violations := []ConcretePolicy{
		allow("*"),
		allow(testNamer.Topic("*")),
		allow(testNamer.Topic("pi-1*")),
		allow(testNamer.Topic("pi-2/*")),
		allow(testNamer.Topic("openworld/*")),
		allow("arn:aws:iot:*:123456789012:topic/pi-1/*"),
		allow("arn:aws:iot:eu-west-1:*:topic/pi-1/*"),
		allow("arn:aws:iot:eu-west-1:123456789012:*/pi-1"),
	}
	for _, p := range violations {
		err := CheckScoping(p, "pi-1", shared)
		assert.ErrorIs(t, err, interfaces.ErrScopingViolation, p.Statements[0].Resource[0])
	}

	denyAll := ConcretePolicy{ID: "d", Statements: []Statement{{Effect: EffectDeny, Action: StringList{"*"}, Resource: StringList{"*"}}}}
	assert.NoError(t, CheckScoping(denyAll, "pi-1", shared))
}

// A client holding only the claim credential can reach the registration
// topic families and nothing else.
func TestClaimPolicyContainment(t *testing.T) {
	engine := newTestEngine()
	concrete, err := engine.Evaluate(ClaimPolicy("claim", testNamer, "fleet-template"), nil)
	require.NoError(t, err)
	policies := []ConcretePolicy{concrete}

	assert.True(t, Authorize(policies, ActionConnect, testNamer.Client("any-client-id")).Allowed())

	allowedTopics := []string{
		"$aws/certificates/create/json",
		"$aws/certificates/create/json/accepted",
		"$aws/certificates/create/cbor/rejected",
		"$aws/certificates/create-from-csr/json",
		"$aws/provisioning-templates/fleet-template/provision/json",
		"$aws/provisioning-templates/fleet-template/provision/json/accepted",
	}
	for _, topic := range allowedTopics {
		assert.True(t, Authorize(policies, ActionPublish, testNamer.Topic(topic)).Allowed(), topic)
		assert.True(t, Authorize(policies, ActionReceive, testNamer.Topic(topic)).Allowed(), topic)
		assert.True(t, Authorize(policies, ActionSubscribe, testNamer.TopicFilter(topic)).Allowed(), topic)
	}

	deniedTopics := []string{
		"openworld",
		"pi-0007/telemetry",
		"$aws/certificates",
		"$aws/certificates/create",
		"$aws/provisioning-templates/other-template/provision/json",
		"$aws/things/pi-0007/shadow/update",
		"#",
		"+/telemetry",
	}
	for _, topic := range deniedTopics {
		for _, action := range []string{ActionPublish, ActionReceive} {
			assert.False(t, Authorize(policies, action, testNamer.Topic(topic)).Allowed(), topic)
		}
		assert.False(t, Authorize(policies, ActionSubscribe, testNamer.TopicFilter(topic)).Allowed(), topic)
	}

	// a topic resource never satisfies a subscribe check, and vice versa
	assert.False(t, Authorize(policies, ActionSubscribe, testNamer.Topic("$aws/certificates/create/json")).Allowed())
	assert.False(t, Authorize(policies, ActionPublish, testNamer.TopicFilter("$aws/certificates/create/json")).Allowed())

	// other regions and accounts are out of reach
	other := ResourceNamer{Region: "us-east-1", Account: testNamer.Account}
	assert.False(t, Authorize(policies, ActionPublish, other.Topic("$aws/certificates/create/json")).Allowed())
}

func TestCatalog(t *testing.T) {
	catalog := NewCatalog()
	doc := DevicePolicy("device", testNamer, []string{SharedTopic})

	require.NoError(t, catalog.Add(doc))
	assert.ErrorIs(t, catalog.Add(doc), interfaces.ErrAlreadyExists)

	got, err := catalog.Get("device")
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	got.Statement[0].Resource[0] = "mutated"
	again, err := catalog.Get("device")
	require.NoError(t, err)
	assert.Equal(t, doc, again)

	_, err = catalog.Get("missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	path := filepath.Join(t.TempDir(), "extra.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"Statement": [{"Effect": "Allow", "Action": "iot:Connect", "Resource": "*"}]}`), 0o644))
	loaded, err := catalog.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "extra", loaded.ID)
	assert.Equal(t, []string{"device", "extra"}, catalog.Names())
}

func TestParseARN(t *testing.T) {
	arn, err := ParseARN("arn:aws:iot:eu-west-1:123:topic/pi-1/telemetry")
	require.NoError(t, err)
	assert.Equal(t, ResourceARN{Region: "eu-west-1", Account: "123", Kind: "topic", Name: "pi-1/telemetry"}, arn)

	_, err = ParseARN("*")
	assert.Error(t, err)
	_, err = ParseARN("arn:aws:iot:eu-west-1:123:topic")
	assert.Error(t, err)
}
