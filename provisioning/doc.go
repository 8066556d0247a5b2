// Package provisioning runs the device registration exchange.
//
// A device presenting the shared claim credential opens a Session, obtains a
// candidate device credential on one of the certificate topics and submits
// its provisioning parameters on the template's provision topic. Every
// message is checked against the claim policy before it is acted on. A
// session ends REGISTERED, with the candidate activated and the thing bound
// to it, or REJECTED, with the candidate left inactive.
//
// Sessions never retry. A rejected device starts over with a fresh session.
package provisioning
