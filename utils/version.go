package utils

// Version is sent to the homeserver in the User-Agent header.
const Version = "0.1.0"
