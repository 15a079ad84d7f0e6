package loaders

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/df07/go-dream-distiller/pkg/core"
	"github.com/df07/go-dream-distiller/pkg/extractor"
)

const objMaterialName = "surface"

// SaveOBJ writes the mesh as Wavefront OBJ plus a sibling MTL file.
// Vertex colors use the common "v x y z r g b" extension; normals and
// texture coordinates are emitted when present on the mesh.
func SaveOBJ(m *extractor.Mesh, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create %s: %w", filename, err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	hasNormals := len(m.Normals) == len(m.Vertices) && len(m.Vertices) > 0
	hasColors := len(m.Colors) == len(m.Vertices) && len(m.Vertices) > 0
	hasUVs := len(m.UVs) == len(m.Vertices) && len(m.Vertices) > 0

	mtlName := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)) + ".mtl"
	fmt.Fprintf(w, "mtllib %s\n", mtlName)
	fmt.Fprintf(w, "usemtl %s\n", objMaterialName)

	for i, v := range m.Vertices {
		if hasColors {
			c := m.Colors[i].Clamp(0, 1)
			fmt.Fprintf(w, "v %g %g %g %g %g %g\n", v.X, v.Y, v.Z, c.X, c.Y, c.Z)
		} else {
			fmt.Fprintf(w, "v %g %g %g\n", v.X, v.Y, v.Z)
		}
	}
	if hasUVs {
		for _, uv := range m.UVs {
			fmt.Fprintf(w, "vt %g %g\n", uv.X, uv.Y)
		}
	}
	if hasNormals {
		for _, n := range m.Normals {
			fmt.Fprintf(w, "vn %g %g %g\n", n.X, n.Y, n.Z)
		}
	}

	// Positions, UVs and normals share one index space in our meshes
	for i := 0; i < len(m.Faces); i += 3 {
		fmt.Fprint(w, "f")
		for k := 0; k < 3; k++ {
			idx := m.Faces[i+k] + 1
			switch {
			case hasUVs && hasNormals:
				fmt.Fprintf(w, " %d/%d/%d", idx, idx, idx)
			case hasUVs:
				fmt.Fprintf(w, " %d/%d", idx, idx)
			case hasNormals:
				fmt.Fprintf(w, " %d//%d", idx, idx)
			default:
				fmt.Fprintf(w, " %d", idx)
			}
		}
		fmt.Fprintln(w)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	return saveMTL(filepath.Join(filepath.Dir(filename), mtlName))
}

func saveMTL(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create %s: %w", filename, err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	fmt.Fprintf(w, "newmtl %s\n", objMaterialName)
	fmt.Fprintf(w, "Ka 0.0 0.0 0.0\n")
	fmt.Fprintf(w, "Kd 1.0 1.0 1.0\n")
	fmt.Fprintf(w, "Ks 0.0 0.0 0.0\n")
	fmt.Fprintf(w, "d 1.0\n")
	fmt.Fprintf(w, "illum 1\n")
	return w.Flush()
}

// objCorner identifies one face corner's position/uv/normal index triple
type objCorner struct {
	v, vt, vn int
}

// LoadOBJ reads a Wavefront OBJ file. OBJ keeps separate index spaces for
// positions, texture coordinates and normals, so corners are re-indexed
// into unified per-vertex attributes; polygon faces triangulate as fans.
func LoadOBJ(filename string) (*extractor.Mesh, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	defer file.Close()

	var positions, colors, normals []core.Vec3
	var uvs []core.Vec2
	hasColors := false

	mesh := &extractor.Mesh{}
	cornerIndex := make(map[objCorner]int)

	resolve := func(c objCorner) (int, error) {
		if vi, ok := cornerIndex[c]; ok {
			return vi, nil
		}
		if c.v < 0 || c.v >= len(positions) {
			return 0, fmt.Errorf("face references vertex %d of %d", c.v+1, len(positions))
		}
		vi := len(mesh.Vertices)
		mesh.Vertices = append(mesh.Vertices, positions[c.v])
		if hasColors {
			mesh.Colors = append(mesh.Colors, colors[c.v])
		}
		if c.vt >= 0 {
			if c.vt >= len(uvs) {
				return 0, fmt.Errorf("face references uv %d of %d", c.vt+1, len(uvs))
			}
			mesh.UVs = append(mesh.UVs, uvs[c.vt])
		}
		if c.vn >= 0 {
			if c.vn >= len(normals) {
				return 0, fmt.Errorf("face references normal %d of %d", c.vn+1, len(normals))
			}
			mesh.Normals = append(mesh.Normals, normals[c.vn])
		}
		cornerIndex[c] = vi
		return vi, nil
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}

		switch fields[0] {
		case "v":
			vals, err := parseFloats(fields[1:])
			if err != nil || len(vals) < 3 {
				return nil, fmt.Errorf("line %d: malformed vertex", lineNum)
			}
			positions = append(positions, core.NewVec3(vals[0], vals[1], vals[2]))
			if len(vals) >= 6 {
				hasColors = true
				colors = append(colors, core.NewVec3(vals[3], vals[4], vals[5]))
			} else {
				colors = append(colors, core.Vec3{})
			}
		case "vt":
			vals, err := parseFloats(fields[1:])
			if err != nil || len(vals) < 2 {
				return nil, fmt.Errorf("line %d: malformed texture coordinate", lineNum)
			}
			uvs = append(uvs, core.NewVec2(vals[0], vals[1]))
		case "vn":
			vals, err := parseFloats(fields[1:])
			if err != nil || len(vals) < 3 {
				return nil, fmt.Errorf("line %d: malformed normal", lineNum)
			}
			normals = append(normals, core.NewVec3(vals[0], vals[1], vals[2]))
		case "f":
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: face needs at least 3 corners", lineNum)
			}
			corners := make([]int, 0, len(fields)-1)
			for _, spec := range fields[1:] {
				c, err := parseCorner(spec)
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", lineNum, err)
				}
				vi, err := resolve(c)
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", lineNum, err)
				}
				corners = append(corners, vi)
			}
			for k := 1; k+1 < len(corners); k++ {
				mesh.Faces = append(mesh.Faces, corners[0], corners[k], corners[k+1])
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", filename, err)
	}
	return mesh, nil
}

// parseCorner parses one face corner spec: v, v/vt, v//vn or v/vt/vn,
// returning zero-based indices with -1 for absent components.
func parseCorner(spec string) (objCorner, error) {
	c := objCorner{vt: -1, vn: -1}
	parts := strings.Split(spec, "/")
	if len(parts) == 0 || parts[0] == "" {
		return c, fmt.Errorf("malformed face corner %q", spec)
	}
	v, err := strconv.Atoi(parts[0])
	if err != nil {
		return c, fmt.Errorf("malformed face corner %q", spec)
	}
	c.v = v - 1
	if len(parts) >= 2 && parts[1] != "" {
		vt, err := strconv.Atoi(parts[1])
		if err != nil {
			return c, fmt.Errorf("malformed face corner %q", spec)
		}
		c.vt = vt - 1
	}
	if len(parts) >= 3 && parts[2] != "" {
		vn, err := strconv.Atoi(parts[2])
		if err != nil {
			return c, fmt.Errorf("malformed face corner %q", spec)
		}
		c.vn = vn - 1
	}
	return c, nil
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
