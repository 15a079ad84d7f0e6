// Package loaders reads and writes extracted meshes in PLY and OBJ form.
// PLY is the compact binary export; OBJ is the interchange path that keeps
// texture coordinates and a material file alongside.
package loaders

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/df07/go-dream-distiller/pkg/core"
	"github.com/df07/go-dream-distiller/pkg/extractor"
)

// plyProperty is one scalar or list property from the header
type plyProperty struct {
	name     string
	typ      string
	isList   bool
	listType string
	dataType string
}

// plyHeader is the parsed header of a binary little-endian PLY file
type plyHeader struct {
	format      string
	vertexCount int
	faceCount   int
	vertexProps []plyProperty
	faceProps   []plyProperty
}

// SavePLY writes the mesh as binary little-endian PLY. Normals, colors and
// texture coordinates are emitted only when present on the mesh; colors are
// quantized to 8 bits per channel, the format's conventional encoding.
func SavePLY(m *extractor.Mesh, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create %s: %w", filename, err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	hasNormals := len(m.Normals) == len(m.Vertices) && len(m.Vertices) > 0
	hasColors := len(m.Colors) == len(m.Vertices) && len(m.Vertices) > 0
	hasUVs := len(m.UVs) == len(m.Vertices) && len(m.Vertices) > 0

	fmt.Fprintf(w, "ply\nformat binary_little_endian 1.0\n")
	fmt.Fprintf(w, "element vertex %d\n", m.NumVertices())
	fmt.Fprintf(w, "property float x\nproperty float y\nproperty float z\n")
	if hasNormals {
		fmt.Fprintf(w, "property float nx\nproperty float ny\nproperty float nz\n")
	}
	if hasColors {
		fmt.Fprintf(w, "property uchar red\nproperty uchar green\nproperty uchar blue\n")
	}
	if hasUVs {
		fmt.Fprintf(w, "property float u\nproperty float v\n")
	}
	fmt.Fprintf(w, "element face %d\n", m.NumTriangles())
	fmt.Fprintf(w, "property list uchar int vertex_indices\n")
	fmt.Fprintf(w, "end_header\n")

	writeFloat3 := func(v core.Vec3) error {
		return binary.Write(w, binary.LittleEndian, [3]float32{float32(v.X), float32(v.Y), float32(v.Z)})
	}
	for i, v := range m.Vertices {
		if err := writeFloat3(v); err != nil {
			return fmt.Errorf("write vertex %d: %w", i, err)
		}
		if hasNormals {
			if err := writeFloat3(m.Normals[i]); err != nil {
				return fmt.Errorf("write normal %d: %w", i, err)
			}
		}
		if hasColors {
			c := m.Colors[i].Clamp(0, 1)
			rgb := [3]uint8{quantize8(c.X), quantize8(c.Y), quantize8(c.Z)}
			if err := binary.Write(w, binary.LittleEndian, rgb); err != nil {
				return fmt.Errorf("write color %d: %w", i, err)
			}
		}
		if hasUVs {
			uv := [2]float32{float32(m.UVs[i].X), float32(m.UVs[i].Y)}
			if err := binary.Write(w, binary.LittleEndian, uv); err != nil {
				return fmt.Errorf("write uv %d: %w", i, err)
			}
		}
	}

	for i := 0; i < len(m.Faces); i += 3 {
		if err := binary.Write(w, binary.LittleEndian, uint8(3)); err != nil {
			return fmt.Errorf("write face %d: %w", i/3, err)
		}
		idx := [3]int32{int32(m.Faces[i]), int32(m.Faces[i+1]), int32(m.Faces[i+2])}
		if err := binary.Write(w, binary.LittleEndian, idx); err != nil {
			return fmt.Errorf("write face %d: %w", i/3, err)
		}
	}
	return w.Flush()
}

func quantize8(x float64) uint8 {
	return uint8(math.Round(x * 255))
}

// LoadPLY reads a binary little-endian PLY file back into a mesh. Unknown
// vertex properties are skipped by size; only triangular faces are accepted.
func LoadPLY(filename string) (*extractor.Mesh, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	header, err := parseHeader(reader)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	if header.format != "binary_little_endian" {
		return nil, fmt.Errorf("unsupported PLY format %q, want binary_little_endian", header.format)
	}

	mesh, err := readBody(reader, header)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filename, err)
	}
	return mesh, nil
}

func parseHeader(r *bufio.Reader) (*plyHeader, error) {
	h := &plyHeader{}
	currentElement := ""

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("header ended early: %w", err)
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "ply", "comment":
		case "end_header":
			return h, nil
		case "format":
			if len(fields) < 2 {
				return nil, fmt.Errorf("malformed format line %q", line)
			}
			h.format = fields[1]
		case "element":
			if len(fields) < 3 {
				return nil, fmt.Errorf("malformed element line %q", line)
			}
			count, err := strconv.Atoi(fields[2])
			if err != nil {
				return nil, fmt.Errorf("bad element count %q", fields[2])
			}
			currentElement = fields[1]
			switch currentElement {
			case "vertex":
				h.vertexCount = count
			case "face":
				h.faceCount = count
			}
		case "property":
			prop, err := parseProperty(fields[1:])
			if err != nil {
				return nil, err
			}
			switch currentElement {
			case "vertex":
				h.vertexProps = append(h.vertexProps, prop)
			case "face":
				h.faceProps = append(h.faceProps, prop)
			}
		}
	}
}

func parseProperty(fields []string) (plyProperty, error) {
	if len(fields) >= 4 && fields[0] == "list" {
		return plyProperty{isList: true, listType: fields[1], dataType: fields[2], name: fields[3]}, nil
	}
	if len(fields) >= 2 {
		return plyProperty{typ: fields[0], name: fields[1]}, nil
	}
	return plyProperty{}, fmt.Errorf("malformed property %v", fields)
}

func typeSize(t string) (int, error) {
	switch t {
	case "char", "int8", "uchar", "uint8":
		return 1, nil
	case "short", "int16", "ushort", "uint16":
		return 2, nil
	case "int", "int32", "uint", "uint32", "float", "float32":
		return 4, nil
	case "double", "float64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unknown PLY type %q", t)
	}
}

func readBody(r *bufio.Reader, h *plyHeader) (*extractor.Mesh, error) {
	// Compute each scalar property's byte offset once; every vertex then
	// decodes from a single fixed-size record.
	offsets := make([]int, len(h.vertexProps))
	stride := 0
	for i, p := range h.vertexProps {
		if p.isList {
			return nil, fmt.Errorf("list property %q on vertices is not supported", p.name)
		}
		size, err := typeSize(p.typ)
		if err != nil {
			return nil, err
		}
		offsets[i] = stride
		stride += size
	}

	mesh := &extractor.Mesh{Vertices: make([]core.Vec3, h.vertexCount)}
	var haveNormals, haveColors, haveUVs bool
	for _, p := range h.vertexProps {
		switch p.name {
		case "nx":
			haveNormals = true
		case "red":
			haveColors = true
		case "u":
			haveUVs = true
		}
	}
	if haveNormals {
		mesh.Normals = make([]core.Vec3, h.vertexCount)
	}
	if haveColors {
		mesh.Colors = make([]core.Vec3, h.vertexCount)
	}
	if haveUVs {
		mesh.UVs = make([]core.Vec2, h.vertexCount)
	}

	record := make([]byte, stride)
	for vi := 0; vi < h.vertexCount; vi++ {
		if _, err := io.ReadFull(r, record); err != nil {
			return nil, fmt.Errorf("vertex %d: %w", vi, err)
		}
		for pi, p := range h.vertexProps {
			val, err := decodeScalar(record[offsets[pi]:], p.typ)
			if err != nil {
				return nil, fmt.Errorf("vertex %d property %s: %w", vi, p.name, err)
			}
			switch p.name {
			case "x":
				mesh.Vertices[vi].X = val
			case "y":
				mesh.Vertices[vi].Y = val
			case "z":
				mesh.Vertices[vi].Z = val
			case "nx":
				mesh.Normals[vi].X = val
			case "ny":
				mesh.Normals[vi].Y = val
			case "nz":
				mesh.Normals[vi].Z = val
			case "red":
				mesh.Colors[vi].X = val / 255
			case "green":
				mesh.Colors[vi].Y = val / 255
			case "blue":
				mesh.Colors[vi].Z = val / 255
			case "u":
				mesh.UVs[vi].X = val
			case "v":
				mesh.UVs[vi].Y = val
			}
		}
	}

	mesh.Faces = make([]int, 0, h.faceCount*3)
	for fi := 0; fi < h.faceCount; fi++ {
		for _, p := range h.faceProps {
			if !p.isList || p.name != "vertex_indices" {
				if err := skipFaceProperty(r, p); err != nil {
					return nil, fmt.Errorf("face %d property %s: %w", fi, p.name, err)
				}
				continue
			}
			count, err := readListCount(r, p.listType)
			if err != nil {
				return nil, fmt.Errorf("face %d: %w", fi, err)
			}
			if count != 3 {
				return nil, fmt.Errorf("face %d has %d vertices, only triangles are supported", fi, count)
			}
			for k := 0; k < 3; k++ {
				idx, err := readIndex(r, p.dataType)
				if err != nil {
					return nil, fmt.Errorf("face %d index %d: %w", fi, k, err)
				}
				if idx < 0 || idx >= h.vertexCount {
					return nil, fmt.Errorf("face %d references vertex %d of %d", fi, idx, h.vertexCount)
				}
				mesh.Faces = append(mesh.Faces, idx)
			}
		}
	}
	return mesh, nil
}

func decodeScalar(b []byte, typ string) (float64, error) {
	switch typ {
	case "float", "float32":
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case "double", "float64":
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	case "uchar", "uint8":
		return float64(b[0]), nil
	case "char", "int8":
		return float64(int8(b[0])), nil
	case "short", "int16":
		return float64(int16(binary.LittleEndian.Uint16(b))), nil
	case "ushort", "uint16":
		return float64(binary.LittleEndian.Uint16(b)), nil
	case "int", "int32":
		return float64(int32(binary.LittleEndian.Uint32(b))), nil
	case "uint", "uint32":
		return float64(binary.LittleEndian.Uint32(b)), nil
	default:
		return 0, fmt.Errorf("unknown PLY type %q", typ)
	}
}

func readListCount(r *bufio.Reader, typ string) (int, error) {
	switch typ {
	case "uchar", "uint8":
		var c uint8
		err := binary.Read(r, binary.LittleEndian, &c)
		return int(c), err
	case "int", "int32":
		var c int32
		err := binary.Read(r, binary.LittleEndian, &c)
		return int(c), err
	default:
		return 0, fmt.Errorf("unsupported list count type %q", typ)
	}
}

func readIndex(r *bufio.Reader, typ string) (int, error) {
	switch typ {
	case "int", "int32":
		var v int32
		err := binary.Read(r, binary.LittleEndian, &v)
		return int(v), err
	case "uint", "uint32":
		var v uint32
		err := binary.Read(r, binary.LittleEndian, &v)
		return int(v), err
	default:
		return 0, fmt.Errorf("unsupported index type %q", typ)
	}
}

func skipFaceProperty(r *bufio.Reader, p plyProperty) error {
	if p.isList {
		count, err := readListCount(r, p.listType)
		if err != nil {
			return err
		}
		size, err := typeSize(p.dataType)
		if err != nil {
			return err
		}
		_, err = r.Discard(count * size)
		return err
	}
	size, err := typeSize(p.typ)
	if err != nil {
		return err
	}
	_, err = r.Discard(size)
	return err
}
