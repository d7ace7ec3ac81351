// Package crawler defines the domain types shared across subsystems (sources,
// crawl attempts, ingested items) and the interfaces that storage, engine,
// publishing and blob adapters implement for the orchestrator.
package crawler
