package index

import "errors"

// Sentinel errors for store operations.
var (
	ErrKeyNotFound   = errors.New("index: key not found")
	ErrIndexNotFound = errors.New("index: index not found")
	ErrBadQuery      = errors.New("index: malformed query")
)

// Op constants name the underlying store command for error context.
const (
	OpFTCreate  = "FT.CREATE"
	OpFTSearch  = "FT.SEARCH"
	OpFTTagVals = "FT.TAGVALS"
	OpFTInfo    = "FT.INFO"
	OpHSet      = "HSET"
	OpHGetAll   = "HGETALL"
	OpDel       = "DEL"
	OpExists    = "EXISTS"
	OpScan      = "SCAN"
	OpGet       = "GET"
	OpSet       = "SET"
	OpIncr      = "INCR"
	OpPing      = "PING"
)

// Error wraps an underlying error with the operation name for diagnostics.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
