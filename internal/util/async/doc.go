// Package async provides utilities for parallel task execution with
// error collection.
//
// The [RunParallel] function executes multiple operations concurrently and
// returns all errors joined together.
package async
