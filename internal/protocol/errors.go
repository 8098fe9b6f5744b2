package protocol

import (
	"errors"
	"fmt"
	"sort"
)

// Code is a result returned by every operation of the game environment.
// Zero is success; failures are small negative integers.
type Code int

const (
	OK Code = 0

	ErrNotOwner           Code = -1
	ErrNoPath             Code = -2
	ErrNameExists         Code = -3
	ErrBusy               Code = -4
	ErrNotFound           Code = -5
	ErrNotEnoughResources Code = -6
	ErrInvalidTarget      Code = -7
	ErrFull               Code = -8
	ErrNotInRange         Code = -9
	ErrInvalidArgs        Code = -10
	ErrTired              Code = -11
	ErrNoBodypart         Code = -12
	ErrRCLNotEnough       Code = -14
	ErrGCLNotEnough       Code = -15

	// Aliases of ErrNotEnoughResources kept by the environment for older scripts.
	ErrNotEnoughEnergy     = ErrNotEnoughResources
	ErrNotEnoughExtensions = ErrNotEnoughResources
)

var codeNames = map[Code]string{
	OK:                    "OK",
	ErrNotOwner:           "ERR_NOT_OWNER",
	ErrNoPath:             "ERR_NO_PATH",
	ErrNameExists:         "ERR_NAME_EXISTS",
	ErrBusy:               "ERR_BUSY",
	ErrNotFound:           "ERR_NOT_FOUND",
	ErrNotEnoughResources: "ERR_NOT_ENOUGH_RESOURCES",
	ErrInvalidTarget:      "ERR_INVALID_TARGET",
	ErrFull:               "ERR_FULL",
	ErrNotInRange:         "ERR_NOT_IN_RANGE",
	ErrInvalidArgs:        "ERR_INVALID_ARGS",
	ErrTired:              "ERR_TIRED",
	ErrNoBodypart:         "ERR_NO_BODYPART",
	ErrRCLNotEnough:       "ERR_RCL_NOT_ENOUGH",
	ErrGCLNotEnough:       "ERR_GCL_NOT_ENOUGH",
}

// constantAliases are the extra global names the environment exposes for codes
// already listed in codeNames.
var constantAliases = map[string]Code{
	"ERR_NOT_ENOUGH_ENERGY":     ErrNotEnoughEnergy,
	"ERR_NOT_ENOUGH_EXTENSIONS": ErrNotEnoughExtensions,
}

func IsKnown(c Code) bool {
	_, ok := codeNames[c]
	return ok
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CODE(%d)", int(c))
}

// Err returns nil for OK and a *CodeError otherwise.
func (c Code) Err() error {
	if c == OK {
		return nil
	}
	return &CodeError{Code: c}
}

type CodeError struct {
	Code Code
}

func (e *CodeError) Error() string { return e.Code.String() }

// CodeOf extracts the result code carried by err. nil maps to OK; errors
// without a code map to ErrInvalidArgs.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrInvalidArgs
}

// Constants lists every global name the environment defines for result codes,
// aliases included, sorted by name.
func Constants() []NamedCode {
	out := make([]NamedCode, 0, len(codeNames)+len(constantAliases))
	for c, n := range codeNames {
		out = append(out, NamedCode{Name: n, Code: c})
	}
	for n, c := range constantAliases {
		out = append(out, NamedCode{Name: n, Code: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type NamedCode struct {
	Name string
	Code Code
}
