package model

import "errors"

var (
	ErrHandshake       = errors.New("handshake send failed")
	ErrStream          = errors.New("stream ended before series_completed")
	ErrVendor          = errors.New("vendor reported an error")
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrNoSeries        = errors.New("no series payload in buffer")
	ErrParse           = errors.New("bar field could not be parsed")
	ErrPersist         = errors.New("persisting candles failed")
	ErrConfig          = errors.New("invalid configuration")
	ErrInvalidContract = errors.New("not a valid contract")
	ErrInvalidInterval = errors.New("unsupported interval")
)
