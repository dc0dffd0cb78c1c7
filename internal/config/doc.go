// Package config loads sockchain server settings.
//
// Settings are layered, each layer overriding the one before it:
//
//  1. built-in defaults (Default)
//  2. a JSON file, sockchain.json by default
//  3. SOCKCHAIN_* environment variables
//  4. command line flags, applied by the caller
//
// The result converts to a server.Config with ToServerConfig.
package config
