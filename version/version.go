package version

// Version is set via ldflags at release build time.
var Version = "0.0.0"
