package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/fleet-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resourceNames(t *Template) []string {
	names := make([]string, 0, len(t.Resources))
	for _, r := range t.Resources {
		names = append(names, r.Name)
	}
	return names
}

func TestParsePreservesDeclarationOrder(t *testing.T) {
	tmpl, err := Parse("ordered", []byte(`{
		// resources are resolved top to bottom
		"Parameters": {"Id": {"Type": "String"}},
		"Resources": {
			"zeta":  {"Type": "AWS::IoT::Certificate", "Properties": {"CertificateId": {"Ref": "Id"}}},
			"alpha": {"Type": "AWS::IoT::Policy", "Properties": {"PolicyName": "p1"}},
			"mid":   {"Type": "AWS::IoT::Policy", "Properties": {"PolicyName": "p2"}},
		},
	}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, resourceNames(tmpl))
	assert.NotNil(t, tmpl.DeviceConfiguration)
}

func TestParseNormalizesOverrides(t *testing.T) {
	tmpl, err := Parse("overrides", []byte(`{
		"Parameters": {"SerialNumber": {"Type": "String"}, "Id": {"Type": "String"}},
		"Resources": {
			"certificate": {"Type": "AWS::IoT::Certificate", "Properties": {"CertificateId": {"Ref": "Id"}}},
			"thing": {
				"Type": "AWS::IoT::Thing",
				"OverrideSettings": {"AttributePayload": "merge", "ThingTypeName": "Replace"},
				"Properties": {"ThingName": {"Ref": "SerialNumber"}}
			}
		}
	}`))
	require.NoError(t, err)

	thing := tmpl.Resources[1]
	assert.Equal(t, interfaces.OverrideMerge, thing.OverrideSettings.AttributePayload)
	assert.Equal(t, interfaces.OverrideReplace, thing.OverrideSettings.ThingTypeName)
	assert.Equal(t, interfaces.OverrideDoNothing, thing.OverrideSettings.ThingGroups.OrDefault())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "no resources",
			body: `{"Parameters": {}}`,
		},
		{
			name: "resources not an object",
			body: `{"Resources": []}`,
		},
		{
			name: "duplicate resource",
			body: `{"Resources": {
				"c": {"Type": "AWS::IoT::Certificate", "Properties": {"CertificateId": "x"}},
				"c": {"Type": "AWS::IoT::Certificate", "Properties": {"CertificateId": "y"}}
			}}`,
		},
		{
			name: "unknown resource type",
			body: `{"Resources": {"q": {"Type": "AWS::SQS::Queue"}}}`,
		},
		{
			name: "undeclared parameter reference",
			body: `{"Resources": {"c": {"Type": "AWS::IoT::Certificate", "Properties": {"CertificateId": {"Ref": "Nope"}}}}}`,
		},
		{
			name: "unsupported parameter type",
			body: `{"Parameters": {"X": {"Type": "Map"}}, "Resources": {"c": {"Type": "AWS::IoT::Certificate", "Properties": {"CertificateId": "x"}}}}`,
		},
		{
			name: "default does not match type",
			body: `{"Parameters": {"X": {"Type": "Number", "Default": "many"}}, "Resources": {"c": {"Type": "AWS::IoT::Certificate", "Properties": {"CertificateId": "x"}}}}`,
		},
		{
			name: "unknown override action",
			body: `{"Resources": {"t": {"Type": "AWS::IoT::Thing", "OverrideSettings": {"ThingGroups": "SOMETIMES"}, "Properties": {"ThingName": "a"}}}}`,
		},
		{
			name: "not json",
			body: `Resources: []`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("broken", []byte(tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Parse("bad/name", []byte(`{"Resources": {"c": {"Type": "AWS::IoT::Certificate"}}}`))
	assert.Error(t, err)
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		typ     ParameterType
		raw     any
		want    any
		wantErr bool
	}{
		{ParamString, "pi-0007", "pi-0007", false},
		{ParamString, 7.0, nil, true},
		{ParamNumber, 42.0, 42.0, false},
		{ParamNumber, "42", 42.0, false},
		{ParamNumber, "forty-two", nil, true},
		{ParamBoolean, true, true, false},
		{ParamBoolean, "false", false, false},
		{ParamBoolean, "maybe", nil, true},
		{ParamStringList, []any{"a", "b"}, []string{"a", "b"}, false},
		{ParamStringList, "a,b", []string{"a", "b"}, false},
		{ParamStringList, []any{"a", 1.0}, nil, true},
	}

	for _, tt := range tests {
		got, err := coerce(tt.typ, tt.raw)
		if tt.wantErr {
			assert.Error(t, err, "%s %v", tt.typ, tt.raw)
			continue
		}
		require.NoError(t, err, "%s %v", tt.typ, tt.raw)
		assert.Equal(t, tt.want, got)
	}
}

func TestValidateParametersReportsEverything(t *testing.T) {
	declared := map[string]Parameter{
		"SerialNumber": {Type: ParamString},
		"Location":     {Type: ParamString},
		"Slots":        {Type: ParamNumber},
		"Debug":        {Type: ParamBoolean, Default: false},
	}

	_, err := validateParameters(declared, map[string]any{"Slots": "lots"})
	require.ErrorIs(t, err, interfaces.ErrParameter)
	assert.Contains(t, err.Error(), "Location is missing")
	assert.Contains(t, err.Error(), "SerialNumber is missing")
	assert.Contains(t, err.Error(), "Slots")

	values, err := validateParameters(declared, map[string]any{"SerialNumber": "a", "Location": "lab", "Slots": 2.0})
	require.NoError(t, err)
	assert.Equal(t, false, values["Debug"])
}

func TestRequestParameterValues(t *testing.T) {
	values, err := Request{
		SerialNumber:      "pi-0007",
		CertificateIDHint: "cert-123",
		Parameters:        map[string]any{"Location": "lab"},
	}.parameterValues()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"Location":         "lab",
		ParamSerialNumber:  "pi-0007",
		ParamCertificateID: "cert-123",
	}, values)

	_, err = Request{
		SerialNumber: "pi-0007",
		Parameters:   map[string]any{ParamSerialNumber: "pi-0008"},
	}.parameterValues()
	assert.ErrorIs(t, err, interfaces.ErrParameter)
}

func TestResolveValue(t *testing.T) {
	params := map[string]any{"Site": "lab", "Rack": 4.0, "Tags": []string{"a"}}

	got, err := resolveValue(map[string]any{
		"name":  map[string]any{"Fn::Join": []any{"-", []any{"pi", map[string]any{"Ref": "Site"}, map[string]any{"Ref": "Rack"}}}},
		"tags":  map[string]any{"Ref": "Tags"},
		"fixed": []any{"x", map[string]any{"Ref": "Site"}},
	}, params)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":  "pi-lab-4",
		"tags":  []string{"a"},
		"fixed": []any{"x", "lab"},
	}, got)

	_, err = resolveValue(map[string]any{"Ref": "Missing"}, params)
	assert.ErrorIs(t, err, interfaces.ErrParameter)

	_, err = resolveValue(map[string]any{"Fn::Join": []any{"-", []any{map[string]any{"Ref": "Tags"}}}}, params)
	assert.Error(t, err)

	_, err = resolveValue(map[string]any{"Fn::Join": "a"}, params)
	assert.Error(t, err)
}

func TestCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet-template.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"Parameters": {"Id": {"Type": "String"}},
		"Resources": {"certificate": {"Type": "AWS::IoT::Certificate", "Properties": {"CertificateId": {"Ref": "Id"}}}}
	}`), 0o600))

	catalog := NewCatalog()
	tmpl, err := catalog.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fleet-template", tmpl.Name)

	got, err := catalog.Get("fleet-template")
	require.NoError(t, err)
	assert.Same(t, tmpl, got)

	_, err = catalog.LoadFile(path)
	assert.ErrorIs(t, err, interfaces.ErrAlreadyExists)

	_, err = catalog.Get("other")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = catalog.LoadFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	assert.Equal(t, []string{"fleet-template"}, catalog.Names())
}
