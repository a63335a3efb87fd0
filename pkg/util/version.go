package util

// Version is the tool version stamped into failure-sink file names so
// reviewed errors can be traced back to the decoder that produced them.
const Version = "0.4.0"
