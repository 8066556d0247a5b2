// Package claimbundle packages the claim credential for the image build.
//
// A bundle is a tar archive holding the claim certificate and key, the fleet
// CA, the registration endpoint and the network settings of the factory
// image. It is sealed to the age keys of the build pipeline before it is
// staged in a storage backend, so the claim key never rests in clear text
// outside the device image.
package claimbundle
