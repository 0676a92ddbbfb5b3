// Package linkclient is the client side of device linking.
//
// A Client speaks the HTTP API. Negotiate watches one link session over the
// push channel and degrades to status polling when the push channel is slow
// to open or drops; Monitor keeps a linked device honest by heartbeating
// and watching for remote revocation. FileIdentityStore persists the
// credential a secondary receives once linked.
package linkclient
