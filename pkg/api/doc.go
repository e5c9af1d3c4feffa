// Package api exposes key management and verification over HTTP.
//
// Management routes under /v1/keys require a key with the admin scope;
// /v1/verify accepts any valid key. Authentication failures always surface
// as one generic 401 regardless of cause. Raw secrets appear exactly once,
// in the issue and rotate responses.
package api
