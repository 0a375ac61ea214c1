// Package trawler defines the core domain types and collaborator interfaces
// shared across the scraping, crawling, and job subsystems. Implementations
// live in sibling packages; this package stays dependency-free so that any
// component can import it.
package trawler
