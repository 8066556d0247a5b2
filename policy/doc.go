// Package policy implements the fleet's authorization model: policy
// documents with placeholder substitution, AWS IoT style resource matching,
// and the scoping check that keeps every device policy inside the device's
// own topic namespace.
//
// A Document is stored once and shared by the whole fleet. Engine.Evaluate
// binds it to one device and returns a ConcretePolicy, which is what an
// Authorizer decides against.
//
// Two built-in documents describe the protocol: ClaimPolicy, granted to any
// client presenting the shared claim credential, and DevicePolicy, bound to
// every provisioned thing.
package policy
