package framesampler

// HandleOf builds the handle Acquire issues for the n-th acquisition.
func HandleOf(n uint64) Handle {
	return Handle{id: n}
}
