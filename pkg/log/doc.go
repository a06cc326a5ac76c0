// Package log bootstraps the global zerolog logger. Init configures
// level, JSON or console output, and the destination writer; every
// subsystem derives a child with WithComponent, and the workflow and
// alerting engines add WithWorkflow/WithRule/WithAlert context.
package log
