// Package mock runs an in-memory GHCR double for tests: the OCI distribution
// endpoints (with the bearer-challenge login flow) and the platform packages
// API, backed by one shared version store so a registry mutation is visible
// through the packages listing and vice versa.
package mock
