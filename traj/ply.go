package traj

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// PLYFormat selects the body encoding of a PLY file.
type PLYFormat int

const (
	// PLYASCII writes one element per text line.
	PLYASCII PLYFormat = iota
	// PLYBinaryLittleEndian packs vertex properties as little-endian float32.
	// Only vertex elements are supported in this encoding.
	PLYBinaryLittleEndian
)

func (f PLYFormat) String() string {
	switch f {
	case PLYASCII:
		return "ascii"
	case PLYBinaryLittleEndian:
		return "binary_little_endian"
	default:
		return fmt.Sprintf("PLYFormat(%d)", int(f))
	}
}

// PLYData is a point set with optional edges and faces. Edge and face
// entries index into Vertices.
type PLYData struct {
	Vertices []r3.Vector
	// VertexProps names extra float properties stored after x, y, z.
	VertexProps []string
	// VertexValues holds one row of len(VertexProps) values per vertex.
	VertexValues [][]float64
	Edges        [][2]int
	Faces        [][]int
	Comments     []string
}

// Validate checks property rows and index ranges.
func (d *PLYData) Validate() error {
	n := len(d.Vertices)
	if len(d.VertexProps) > 0 && len(d.VertexValues) != n {
		return fmt.Errorf("%w: %d vertices but %d property rows", ErrInvalidInput, n, len(d.VertexValues))
	}
	for i, row := range d.VertexValues {
		if len(row) != len(d.VertexProps) {
			return fmt.Errorf("%w: vertex %d has %d extra values, want %d", ErrInvalidInput, i, len(row), len(d.VertexProps))
		}
	}
	for i, c := range d.Comments {
		if strings.ContainsAny(c, "\r\n") {
			return fmt.Errorf("%w: comment %d spans more than one line", ErrInvalidInput, i)
		}
	}
	for _, name := range d.VertexProps {
		if name == "x" || name == "y" || name == "z" || strings.ContainsAny(name, " \t\n") || name == "" {
			return fmt.Errorf("%w: invalid vertex property name %q", ErrInvalidInput, name)
		}
	}
	for i, e := range d.Edges {
		if e[0] < 0 || e[0] >= n || e[1] < 0 || e[1] >= n {
			return fmt.Errorf("%w: edge %d (%d, %d) out of range [0, %d)", ErrInvalidInput, i, e[0], e[1], n)
		}
	}
	for i, f := range d.Faces {
		if len(f) > math.MaxUint8 {
			return fmt.Errorf("%w: face %d has %d indices, at most 255 fit a uchar count", ErrInvalidInput, i, len(f))
		}
		for _, idx := range f {
			if idx < 0 || idx >= n {
				return fmt.Errorf("%w: face %d index %d out of range [0, %d)", ErrInvalidInput, i, idx, n)
			}
		}
	}
	return nil
}

// WritePLY serializes d. The header counts always match the data.
func WritePLY(w io.Writer, d *PLYData, format PLYFormat) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if format != PLYASCII && format != PLYBinaryLittleEndian {
		return fmt.Errorf("%w: unknown PLY format %v", ErrInvalidInput, format)
	}
	if format == PLYBinaryLittleEndian && (len(d.Edges) > 0 || len(d.Faces) > 0) {
		return fmt.Errorf("%w: binary PLY carries vertices only", ErrInvalidInput)
	}

	bw := bufio.NewWriter(w)
	var hdr strings.Builder
	hdr.WriteString("ply\n")
	fmt.Fprintf(&hdr, "format %s 1.0\n", format)
	for _, c := range d.Comments {
		fmt.Fprintf(&hdr, "comment %s\n", c)
	}
	fmt.Fprintf(&hdr, "element vertex %d\n", len(d.Vertices))
	hdr.WriteString("property float x\nproperty float y\nproperty float z\n")
	for _, name := range d.VertexProps {
		fmt.Fprintf(&hdr, "property float %s\n", name)
	}
	if len(d.Edges) > 0 {
		fmt.Fprintf(&hdr, "element edge %d\n", len(d.Edges))
		hdr.WriteString("property int vertex1\nproperty int vertex2\n")
	}
	if len(d.Faces) > 0 {
		fmt.Fprintf(&hdr, "element face %d\n", len(d.Faces))
		hdr.WriteString("property list uchar int vertex_indices\n")
	}
	hdr.WriteString("end_header\n")
	if _, err := bw.WriteString(hdr.String()); err != nil {
		return err
	}

	if format == PLYBinaryLittleEndian {
		buf := make([]byte, 4*(3+len(d.VertexProps)))
		for i, v := range d.Vertices {
			putFloat32s(buf, v.X, v.Y, v.Z)
			if len(d.VertexProps) > 0 {
				putFloat32s(buf[12:], d.VertexValues[i]...)
			}
			if _, err := bw.Write(buf); err != nil {
				return err
			}
		}
		return bw.Flush()
	}

	row := make([]string, 0, 3+len(d.VertexProps))
	for i, v := range d.Vertices {
		row = append(row[:0], formatFloat(v.X), formatFloat(v.Y), formatFloat(v.Z))
		if len(d.VertexProps) > 0 {
			for _, x := range d.VertexValues[i] {
				row = append(row, formatFloat(x))
			}
		}
		if _, err := bw.WriteString(strings.Join(row, " ") + "\n"); err != nil {
			return err
		}
	}
	for _, e := range d.Edges {
		if _, err := fmt.Fprintf(bw, "%d %d\n", e[0], e[1]); err != nil {
			return err
		}
	}
	for _, f := range d.Faces {
		row = append(row[:0], strconv.Itoa(len(f)))
		for _, idx := range f {
			row = append(row, strconv.Itoa(idx))
		}
		if _, err := bw.WriteString(strings.Join(row, " ") + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func putFloat32s(buf []byte, vals ...float64) {
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
	}
}

type plyProperty struct {
	name     string
	typ      string
	list     bool
	countTyp string
}

type plyElement struct {
	name  string
	count int
	props []plyProperty
}

type plyHeader struct {
	format   PLYFormat
	elements []plyElement
	comments []string
}

// ParsePLY reads an ASCII or binary little-endian PLY file with vertex,
// edge and face elements. Counts declared in the header are checked against
// the body; any mismatch, truncated record, stray data after the last
// element or out-of-range index fails with ErrMalformedFormat.
func ParsePLY(r io.Reader) (*PLYData, error) {
	br := bufio.NewReader(r)
	hdr, line, err := readPLYHeader(br)
	if err != nil {
		return nil, err
	}

	d := &PLYData{Comments: hdr.comments}
	switch hdr.format {
	case PLYBinaryLittleEndian:
		err = readPLYBinary(br, hdr, d)
	default:
		err = readPLYASCII(br, hdr, d, line)
	}
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFormat, err)
	}
	return d, nil
}

func readPLYHeader(br *bufio.Reader) (plyHeader, int, error) {
	var hdr plyHeader
	line := 0
	seenFormat := false
	for {
		raw, err := br.ReadString('\n')
		if err != nil && (err != io.EOF || raw == "") {
			if err == io.EOF {
				return hdr, line, parseErrorf(line, "header ended before end_header")
			}
			return hdr, line, fmt.Errorf("%w: reading PLY header: %v", ErrIOFailure, err)
		}
		line++
		text := strings.TrimRight(raw, "\r\n")
		fields := strings.Fields(text)

		if line == 1 {
			if text != "ply" {
				return hdr, line, parseErrorf(line, "missing ply magic")
			}
			continue
		}
		if len(fields) == 0 {
			return hdr, line, parseErrorf(line, "empty header line")
		}

		switch fields[0] {
		case "format":
			if len(fields) != 3 || fields[2] != "1.0" {
				return hdr, line, parseErrorf(line, "bad format line %q", text)
			}
			switch fields[1] {
			case "ascii":
				hdr.format = PLYASCII
			case "binary_little_endian":
				hdr.format = PLYBinaryLittleEndian
			default:
				return hdr, line, parseErrorf(line, "unsupported PLY encoding %q", fields[1])
			}
			seenFormat = true
		case "comment", "obj_info":
			hdr.comments = append(hdr.comments, strings.TrimSpace(strings.TrimPrefix(text, fields[0])))
		case "element":
			if len(fields) != 3 {
				return hdr, line, parseErrorf(line, "bad element line %q", text)
			}
			n, err := strconv.Atoi(fields[2])
			if err != nil || n < 0 {
				return hdr, line, parseErrorf(line, "bad element count %q", fields[2])
			}
			switch fields[1] {
			case "vertex", "edge", "face":
			default:
				return hdr, line, parseErrorf(line, "unsupported element %q", fields[1])
			}
			for _, e := range hdr.elements {
				if e.name == fields[1] {
					return hdr, line, parseErrorf(line, "duplicate element %q", fields[1])
				}
			}
			hdr.elements = append(hdr.elements, plyElement{name: fields[1], count: n})
		case "property":
			if len(hdr.elements) == 0 {
				return hdr, line, parseErrorf(line, "property before any element")
			}
			el := &hdr.elements[len(hdr.elements)-1]
			var p plyProperty
			switch {
			case len(fields) == 5 && fields[1] == "list":
				p = plyProperty{name: fields[4], typ: fields[3], list: true, countTyp: fields[2]}
			case len(fields) == 3:
				p = plyProperty{name: fields[2], typ: fields[1]}
			default:
				return hdr, line, parseErrorf(line, "bad property line %q", text)
			}
			el.props = append(el.props, p)
		case "end_header":
			if !seenFormat {
				return hdr, line, parseErrorf(line, "missing format line")
			}
			return hdr, line, checkPLYElements(hdr, line)
		default:
			return hdr, line, parseErrorf(line, "unknown header keyword %q", fields[0])
		}
	}
}

func isFloatType(t string) bool {
	switch t {
	case "float", "float32", "double", "float64":
		return true
	}
	return false
}

func isIntType(t string) bool {
	switch t {
	case "char", "uchar", "short", "ushort", "int", "uint",
		"int8", "uint8", "int16", "uint16", "int32", "uint32":
		return true
	}
	return false
}

func checkPLYElements(hdr plyHeader, line int) error {
	for _, el := range hdr.elements {
		switch el.name {
		case "vertex":
			seen := map[string]bool{}
			for _, p := range el.props {
				if p.list || !isFloatType(p.typ) {
					return parseErrorf(line, "vertex property %q must be a float scalar", p.name)
				}
				if seen[p.name] {
					return parseErrorf(line, "duplicate vertex property %q", p.name)
				}
				seen[p.name] = true
			}
			if !seen["x"] || !seen["y"] || !seen["z"] {
				return parseErrorf(line, "vertex element needs x, y and z")
			}
		case "edge":
			if hdr.format == PLYBinaryLittleEndian {
				return parseErrorf(line, "binary PLY with edge element is not supported")
			}
			if len(el.props) != 2 || el.props[0].list || el.props[1].list ||
				!isIntType(el.props[0].typ) || !isIntType(el.props[1].typ) {
				return parseErrorf(line, "edge element needs two integer properties")
			}
		case "face":
			if hdr.format == PLYBinaryLittleEndian {
				return parseErrorf(line, "binary PLY with face element is not supported")
			}
			if len(el.props) != 1 || !el.props[0].list || !isIntType(el.props[0].typ) {
				return parseErrorf(line, "face element needs one integer list property")
			}
		}
	}
	return nil
}

// vertexLayout splits vertex properties into x/y/z slots and extras.
func vertexLayout(el plyElement, d *PLYData) (xyz [3]int, extra []int) {
	for i, p := range el.props {
		switch p.name {
		case "x":
			xyz[0] = i
		case "y":
			xyz[1] = i
		case "z":
			xyz[2] = i
		default:
			extra = append(extra, i)
			d.VertexProps = append(d.VertexProps, p.name)
		}
	}
	return xyz, extra
}

func appendVertex(d *PLYData, vals []float64, xyz [3]int, extra []int) {
	d.Vertices = append(d.Vertices, r3.Vector{X: vals[xyz[0]], Y: vals[xyz[1]], Z: vals[xyz[2]]})
	if len(extra) > 0 {
		row := make([]float64, len(extra))
		for k, idx := range extra {
			row[k] = vals[idx]
		}
		d.VertexValues = append(d.VertexValues, row)
	}
}

func readPLYASCII(br *bufio.Reader, hdr plyHeader, d *PLYData, line int) error {
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	next := func() ([]string, bool) {
		for sc.Scan() {
			line++
			if f := strings.Fields(sc.Text()); len(f) > 0 {
				return f, true
			}
		}
		return nil, false
	}

	for _, el := range hdr.elements {
		var xyz [3]int
		var extra []int
		if el.name == "vertex" {
			xyz, extra = vertexLayout(el, d)
		}
		vals := make([]float64, len(el.props))
		for k := 0; k < el.count; k++ {
			fields, ok := next()
			if !ok {
				if err := sc.Err(); err != nil {
					return fmt.Errorf("%w: reading PLY body: %v", ErrIOFailure, err)
				}
				return parseErrorf(line, "expected %d %s records, got %d", el.count, el.name, k)
			}
			switch el.name {
			case "vertex":
				if len(fields) != len(el.props) {
					return parseErrorf(line, "vertex has %d values, want %d", len(fields), len(el.props))
				}
				for i, f := range fields {
					v, err := strconv.ParseFloat(f, 64)
					if err != nil {
						return parseErrorf(line, "vertex value %q is not a number", f)
					}
					vals[i] = v
				}
				appendVertex(d, vals, xyz, extra)
			case "edge":
				idx, err := parseInts(fields)
				if err != nil || len(idx) != 2 {
					return parseErrorf(line, "edge record %q needs two integers", strings.Join(fields, " "))
				}
				d.Edges = append(d.Edges, [2]int{idx[0], idx[1]})
			case "face":
				idx, err := parseInts(fields)
				if err != nil || len(idx) == 0 || idx[0] != len(idx)-1 {
					return parseErrorf(line, "face record %q does not match its count", strings.Join(fields, " "))
				}
				d.Faces = append(d.Faces, idx[1:])
			}
		}
	}
	if _, ok := next(); ok {
		return parseErrorf(line, "unexpected data after the last declared element")
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: reading PLY body: %v", ErrIOFailure, err)
	}
	return nil
}

func parseInts(fields []string) ([]int, error) {
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func readPLYBinary(br *bufio.Reader, hdr plyHeader, d *PLYData) error {
	for _, el := range hdr.elements {
		if el.name != "vertex" {
			continue
		}
		xyz, extra := vertexLayout(el, d)
		size := 0
		for _, p := range el.props {
			size += plyTypeSize(p.typ)
		}
		rec := make([]byte, size)
		vals := make([]float64, len(el.props))
		for k := 0; k < el.count; k++ {
			if _, err := io.ReadFull(br, rec); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					return fmt.Errorf("%w: binary body truncated at vertex %d of %d", ErrMalformedFormat, k, el.count)
				}
				return fmt.Errorf("%w: reading PLY body: %v", ErrIOFailure, err)
			}
			off := 0
			for i, p := range el.props {
				if plyTypeSize(p.typ) == 8 {
					vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(rec[off:]))
					off += 8
				} else {
					vals[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[off:])))
					off += 4
				}
			}
			appendVertex(d, vals, xyz, extra)
		}
	}
	if _, err := br.ReadByte(); err == nil {
		return fmt.Errorf("%w: unexpected data after the last vertex", ErrMalformedFormat)
	} else if err != io.EOF {
		return fmt.Errorf("%w: reading PLY body: %v", ErrIOFailure, err)
	}
	return nil
}

func plyTypeSize(t string) int {
	if t == "double" || t == "float64" {
		return 8
	}
	return 4
}
