// Package integration exercises several internal packages together
// against a shared in-memory backend: lock contention across concurrent
// holders, commit/checkout/reconstruct roundtrips, and three-way merges
// over diverging branches. Mirrors the teacher's tests/resilience
// package in spirit (cross-package scenarios a single unit test can't
// reach) but without the daemon/socket machinery this system doesn't have.
package integration
