package policyopa

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/fleet-provisioning-backend/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizerMatchesGlobAuthorizer(t *testing.T) {
	ctx := context.Background()
	authorizer, err := NewAuthorizer(ctx)
	require.NoError(t, err)

	namer := policy.ResourceNamer{Region: "eu-west-1", Account: "123456789012"}
	engine := policy.NewEngine(slog.New(slog.NewTextHandler(io.Discard, nil)))

	device, err := engine.Evaluate(policy.DevicePolicy("device", namer, []string{policy.SharedTopic}), map[string]string{policy.BindingThingName: "pi-0007"})
	require.NoError(t, err)
	claim, err := engine.Evaluate(policy.ClaimPolicy("claim", namer, "fleet"), nil)
	require.NoError(t, err)
	deny := policy.ConcretePolicy{ID: "deny", Statements: []policy.Statement{{
		Effect:   policy.EffectDeny,
		Action:   policy.StringList{"IOT:PUBLISH"},
		Resource: policy.StringList{namer.Topic("pi-0007/secret.*")},
	}}}

	cases := []struct {
		policies []policy.ConcretePolicy
		action   string
		resource string
	}{
		{[]policy.ConcretePolicy{device}, policy.ActionPublish, namer.Topic("pi-0007/telemetry")},
		{[]policy.ConcretePolicy{device}, policy.ActionPublish, namer.Topic("pi-0008/telemetry")},
		{[]policy.ConcretePolicy{device}, policy.ActionSubscribe, namer.TopicFilter("openworld")},
		{[]policy.ConcretePolicy{device}, policy.ActionConnect, namer.Client("pi-0007")},
		{[]policy.ConcretePolicy{device}, policy.ActionConnect, namer.Client("pi-0008")},
		{[]policy.ConcretePolicy{claim}, policy.ActionConnect, namer.Client("anything")},
		{[]policy.ConcretePolicy{claim}, policy.ActionPublish, namer.Topic("$aws/certificates/create/json")},
		{[]policy.ConcretePolicy{claim}, policy.ActionPublish, namer.Topic("openworld")},
		{[]policy.ConcretePolicy{device, deny}, policy.ActionPublish, namer.Topic("pi-0007/secret.txt")},
		{[]policy.ConcretePolicy{device, deny}, policy.ActionPublish, namer.Topic("pi-0007/secretXtxt")},
		{[]policy.ConcretePolicy{device, deny}, policy.ActionReceive, namer.Topic("pi-0007/secret.txt")},
		{nil, policy.ActionPublish, namer.Topic("pi-0007/telemetry")},
	}

	for _, tc := range cases {
		want := policy.Authorize(tc.policies, tc.action, tc.resource)
		got, err := authorizer.Authorize(ctx, tc.policies, tc.action, tc.resource)
		require.NoError(t, err)
		assert.Equal(t, want, got, "%s %s", tc.action, tc.resource)
	}
}

func TestAuthorizerDecisions(t *testing.T) {
	ctx := context.Background()
	authorizer, err := NewAuthorizer(ctx)
	require.NoError(t, err)

	p := policy.ConcretePolicy{ID: "p", Statements: []policy.Statement{
		{Effect: policy.EffectAllow, Action: policy.StringList{"iot:*"}, Resource: policy.StringList{"topic/a/*"}},
		{Effect: policy.EffectDeny, Action: policy.StringList{policy.ActionPublish}, Resource: policy.StringList{"topic/a/x"}},
	}}

	d, err := authorizer.Authorize(ctx, []policy.ConcretePolicy{p}, policy.ActionPublish, "topic/a/b")
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionAllow, d)

	d, err = authorizer.Authorize(ctx, []policy.ConcretePolicy{p}, policy.ActionPublish, "topic/a/x")
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionExplicitDeny, d)

	d, err = authorizer.Authorize(ctx, []policy.ConcretePolicy{p}, policy.ActionPublish, "topic/b")
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionImplicitDeny, d)
}
