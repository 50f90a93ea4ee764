// Package app wires the license engine, the local API and the websocket hub
// together and owns their lifecycle.
//
// # Initialization Flow
//
// New performs, in order:
//
//  1. OpenTelemetry providers from the telemetry section
//  2. the key-value store under the data directory
//  3. the integrity guard, project registry, activator and manager
//  4. the packaged verifier and blob, when packaged metadata is enabled
//  5. the developer credential, when one is configured and none is stored
//  6. the websocket hub and the chi router
//
// Run then serves HTTP, runs the hub, forwards license changes to every
// connected window and, in the background, seeds packaged metadata and
// provisions the trial.
//
// # Usage
//
//	a, err := app.New(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer a.Close(context.Background())
//	return a.Run(ctx)
//
// # Graceful Shutdown
//
// Cancelling the context passed to Run stops the server within
// server.shutdown_timeout and closes every websocket client. The package
// never calls os.Exit.
package app
