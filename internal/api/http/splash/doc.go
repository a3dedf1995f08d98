// Package splash exposes startup progress over HTTP.
//
// Routes: GET /status returns a JSON snapshot, GET /events streams status
// lines as server-sent events, GET /readyz answers 200 once every sidecar is
// ready and GET /livez always answers 200.
package splash
