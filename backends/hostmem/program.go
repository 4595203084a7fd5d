package hostmem

import (
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/pkg/errors"
)

// paramInfo describes one main-function parameter as declared in the program
// text.
type paramInfo struct {
	shape shapes.Shape

	// shardedAxis is the tensor axis annotated as sharded over the device
	// mesh, or -1 when the parameter is replicated (or carries no annotation).
	shardedAxis int
}

// mainSignature is the parsed `func.func @main` signature of a StableHLO
// program.
type mainSignature struct {
	params  []paramInfo
	results []shapes.Shape
}

// parseMainSignature extracts the parameter and result types of the main
// function from StableHLO text, including sdy sharding annotations on
// parameters. Only the signature is interpreted; the function body is ignored
// because hostmem executables implement identity semantics.
func parseMainSignature(program string) (*mainSignature, error) {
	const marker = "func.func @main("
	start := strings.Index(program, marker)
	if start == -1 {
		return nil, errors.New("program has no func.func @main")
	}
	rest := program[start+len(marker):]

	paramsText, rest, err := scanParen(rest)
	if err != nil {
		return nil, errors.WithMessagef(err, "malformed @main parameter list")
	}

	sig := &mainSignature{}
	for _, chunk := range splitTopLevel(paramsText) {
		shape, err := parseTensorType(chunk)
		if err != nil {
			return nil, errors.WithMessagef(err, "parameter %d of @main", len(sig.params))
		}
		sig.params = append(sig.params, paramInfo{
			shape:       shape,
			shardedAxis: parseShardedAxis(chunk),
		})
	}

	// Results: "-> <type>" or "-> (<type>, ...)", followed by the body.
	arrow := strings.Index(rest, "->")
	if arrow == -1 {
		return nil, errors.New("@main declares no results")
	}
	rest = strings.TrimSpace(rest[arrow+2:])
	var resultsText string
	if strings.HasPrefix(rest, "(") {
		resultsText, _, err = scanParen(rest[1:])
		if err != nil {
			return nil, errors.WithMessagef(err, "malformed @main result list")
		}
	} else {
		if body := strings.Index(rest, "{"); body != -1 {
			resultsText = rest[:body]
		} else {
			resultsText = rest
		}
	}
	for _, chunk := range splitTopLevel(resultsText) {
		shape, err := parseTensorType(chunk)
		if err != nil {
			return nil, errors.WithMessagef(err, "result %d of @main", len(sig.results))
		}
		sig.results = append(sig.results, shape)
	}
	if len(sig.results) == 0 {
		return nil, errors.New("@main declares no results")
	}
	return sig, nil
}

// scanParen consumes text up to the closing ')' at bracket depth zero,
// tracking (), [], <> and {} nesting. It returns the consumed text and the
// remainder after the parenthesis.
func scanParen(text string) (consumed, remainder string, err error) {
	depth := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '(', '[', '<', '{':
			depth++
		case ']', '>', '}':
			depth--
		case ')':
			if depth == 0 {
				return text[:i], text[i+1:], nil
			}
			depth--
		}
	}
	return "", "", errors.New(`missing closing ")"`)
}

// splitTopLevel splits text on commas at bracket depth zero, dropping empty
// chunks.
func splitTopLevel(text string) []string {
	var chunks []string
	depth, start := 0, 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '(', '[', '<', '{':
			depth++
		case ')', ']', '>', '}':
			depth--
		case ',':
			if depth == 0 {
				chunks = append(chunks, text[start:i])
				start = i + 1
			}
		}
	}
	chunks = append(chunks, text[start:])
	var out []string
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out
}

// stableHLOToDType maps StableHLO element-type tokens to dtypes values.
var stableHLOToDType = map[string]dtypes.DType{
	"i1":   dtypes.Bool,
	"i8":   dtypes.S8,
	"i16":  dtypes.S16,
	"i32":  dtypes.S32,
	"i64":  dtypes.S64,
	"ui8":  dtypes.U8,
	"ui16": dtypes.U16,
	"ui32": dtypes.U32,
	"ui64": dtypes.U64,
	"f16":  dtypes.F16,
	"bf16": dtypes.BF16,
	"f32":  dtypes.F32,
	"f64":  dtypes.F64,
}

// parseTensorType parses the first "tensor<...>" token in chunk into a Shape.
func parseTensorType(chunk string) (shapes.Shape, error) {
	const marker = "tensor<"
	start := strings.Index(chunk, marker)
	if start == -1 {
		return shapes.Shape{}, errors.Errorf("no tensor type in %q", strings.TrimSpace(chunk))
	}
	inner := chunk[start+len(marker):]
	end := strings.IndexByte(inner, '>')
	if end == -1 {
		return shapes.Shape{}, errors.Errorf("unterminated tensor type in %q", strings.TrimSpace(chunk))
	}
	inner = inner[:end]

	parts := strings.Split(inner, "x")
	elem := parts[len(parts)-1]
	dtype, ok := stableHLOToDType[elem]
	if !ok {
		return shapes.Shape{}, errors.Errorf("unsupported element type %q in tensor<%s>", elem, inner)
	}
	dims := make([]int, 0, len(parts)-1)
	for _, p := range parts[:len(parts)-1] {
		d, err := strconv.Atoi(p)
		if err != nil || d < 0 {
			return shapes.Shape{}, errors.Errorf("bad dimension %q in tensor<%s>", p, inner)
		}
		dims = append(dims, d)
	}
	return shapes.Make(dtype, dims...), nil
}

// parseShardedAxis finds an sdy.sharding annotation in a parameter chunk and
// returns the index of the axis sharded over the mesh, or -1 if the parameter
// is replicated or unannotated. The annotation lists one axis-set per tensor
// axis, e.g. `#sdy.sharding<@mesh, [{"devices"}, {}]>` shards axis 0; an empty
// set means the axis is replicated.
func parseShardedAxis(chunk string) int {
	attr := strings.Index(chunk, "#sdy.sharding<")
	if attr == -1 {
		return -1
	}
	list := strings.Index(chunk[attr:], "[")
	if list == -1 {
		return -1
	}
	text := chunk[attr+list+1:]
	axis := 0
	for {
		open := strings.IndexByte(text, '{')
		if open == -1 {
			return -1
		}
		closeIdx := strings.IndexByte(text, '}')
		if closeIdx == -1 || closeIdx < open {
			return -1
		}
		if strings.Contains(text[open:closeIdx], `"`) {
			return axis
		}
		if end := strings.IndexByte(text, ']'); end != -1 && end < open {
			return -1
		}
		text = text[closeIdx+1:]
		axis++
	}
}
