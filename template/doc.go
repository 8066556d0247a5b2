// Package template implements the provisioning template interpreter.
//
// A Template declares parameters and an ordered list of resources. The
// Evaluator validates every parameter before touching any resource, then
// resolves the resources in declaration order with one resolver per
// resource type:
//
//	AWS::IoT::Certificate  the candidate credential; "Status: Active" marks it for activation
//	AWS::IoT::Policy       binds a stored policy document and attaches it to the certificate
//	AWS::IoT::Thing        registers the identity with per-property override settings
//
// A failure part way through is reported as a *TemplateEvaluationError
// naming the failing resource. Resources resolved earlier in the same
// attempt are not rolled back; every resolver is override aware, so a retry
// with the same parameters converges.
package template
