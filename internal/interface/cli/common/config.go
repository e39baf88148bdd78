package common

import "context"

// globalOptions holds the values of the root command's persistent flags
var globalOptions Options

// SetGlobalOptions sets the options used by Open
func SetGlobalOptions(opts Options) {
	globalOptions = opts
}

// GetGlobalOptions returns the options used by Open
func GetGlobalOptions() Options {
	return globalOptions
}

// Open builds a container from the global options
func Open(ctx context.Context) (*Container, error) {
	return InitializeContainer(ctx, globalOptions)
}
