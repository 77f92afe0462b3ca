// Package authority defines the remote identity authority consumed by the
// session machine, and the adapters that speak to concrete authorities.
//
// Every adapter reports failures as *Error values carrying a Kind:
//   - KindRejected: the authority answered and refused; Message is user-facing.
//   - KindUnauthenticated: WhoAmI found no session.
//   - KindTransport: the authority could not be reached or answered garbage.
//
// Wrap adapters with Safe before handing them to the session machine so that
// panics and untyped errors are normalized into transport errors.
package authority
