// Package testing provides test utilities, builders, and fixtures for unit and integration tests.
//
// It only depends on leaf packages (deployment, remote) so that any package's
// internal tests can import it:
//   - RequestBuilder: fluent builder for deployment requests
//   - Scenario fixtures: requests that allow, escalate or deny under the default policy
//   - MockAPI: testify mock of remote.API for call-level assertions
//
// Usage:
//
//	req, plan := testing.NewRequestBuilder().
//	    WithStorage(20).
//	    WithWipe().
//	    Plan()
package testing
