package tftp

// Consumer is the byte-sink the engine delivers positioned data to.
// It is the one collaborator whose endpoint is shared: the Request
// owns one side, the caller owns the other; closing either tears
// both down.
type Consumer interface {
	// Seek positions the next Deliver call's write offset. Used both
	// for ordinary positioned writes (offset = internal_block *
	// blksize) and as a length hint pair: Seek(filesize) immediately
	// followed by Seek(0) each time the known lower bound on the file
	// length grows.
	Seek(offset int64)

	// Deliver writes p at the offset set by the preceding Seek.
	Deliver(p []byte) error

	// Window reports the negotiated block size to the consumer, so
	// it can size its own buffers. Called once blksize is known to
	// have changed (initially the default, then again if an OACK
	// negotiates a different value).
	Window(blksize int)

	// Close signals completion. status is StatusOK on success,
	// otherwise the terminal error.
	Close(status Status)
}
