// Package log provides structured logging for ionexus using zerolog.
//
// A single global Logger is configured once via Init and then narrowed with
// WithComponent/WithNexusName/WithPoolName/WithChildURI to attach the field
// a caller cares about (component=nexus, nexus=<name>, child=<uri>, ...)
// without threading a logger through every function signature.
package log
