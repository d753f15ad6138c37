// Package services provides the centralized service registry for
// secondbrain.
//
// Registry pattern for accessing the core services (bus, review gate,
// context store, access guard, embeddings). Use NewRegistry() to create
// a registry with service instances, then accessor methods to retrieve
// individual services.
package services
