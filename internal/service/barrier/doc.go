// Package barrier gates startup on the joint readiness of several members.
//
// Every member is started concurrently; the barrier resolves once all of them
// report ready and rejects on the first start error. There is no timeout:
// only the context ends the wait.
package barrier
