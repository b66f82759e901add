// Package devices holds the polymorphic driver framework and the supported
// device families.
//
// A driver family registers a factory under its type tag; configuration
// resolves tags through the registry at startup. Drivers implement the
// minimal Driver surface plus whichever capability interfaces their
// protocol shape needs: advertisement decoding for passive families,
// notify/authenticate/poll/command for connected ones. The session layer in
// internal/bridge discovers capabilities by type assertion and drives the
// matching lifecycle.
package devices
