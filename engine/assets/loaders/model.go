package loaders

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spaghettifunk/remesh/engine/math"
	"github.com/spaghettifunk/remesh/engine/mesh"
)

// ModelLoader parses Wavefront OBJ files. Faces with more than three corners
// are fan-triangulated; missing normals come out flat per face.
type ModelLoader struct{}

func (ml *ModelLoader) Extensions() []string {
	return []string{"obj"}
}

func (ml *ModelLoader) Load(path string) (*mesh.Geometry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var positions, normals []math.Vec3
	var texcoords []math.Vec2

	// One output vertex per distinct v/vt/vn combination.
	type corner struct{ v, vt, vn int }
	vertexIndex := make(map[corner]uint32)

	g := &mesh.Geometry{}

	addVertex := func(c corner) (uint32, error) {
		if idx, ok := vertexIndex[c]; ok {
			return idx, nil
		}
		if c.v < 1 || c.v > len(positions) {
			return 0, fmt.Errorf("vertex index %d out of range", c.v)
		}
		idx := uint32(len(g.Positions))
		g.Positions = append(g.Positions, positions[c.v-1])
		if c.vn >= 1 && c.vn <= len(normals) {
			g.Normals = append(g.Normals, normals[c.vn-1])
		} else {
			g.Normals = append(g.Normals, math.NewVec3Zero())
		}
		if c.vt >= 1 && c.vt <= len(texcoords) {
			g.Texcoords = append(g.Texcoords, texcoords[c.vt-1])
		} else {
			g.Texcoords = append(g.Texcoords, math.Vec2{})
		}
		vertexIndex[c] = idx
		return idx, nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		switch fields[0] {
		case "v":
			v, perr := parseVec3(fields[1:])
			if perr != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, perr)
			}
			positions = append(positions, v)
		case "vn":
			v, perr := parseVec3(fields[1:])
			if perr != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, perr)
			}
			normals = append(normals, v)
		case "vt":
			if len(fields) < 3 {
				return nil, fmt.Errorf("%s:%d: texcoord needs two values", path, line)
			}
			u, uerr := strconv.ParseFloat(fields[1], 32)
			v, verr := strconv.ParseFloat(fields[2], 32)
			if uerr != nil || verr != nil {
				return nil, fmt.Errorf("%s:%d: bad texcoord", path, line)
			}
			texcoords = append(texcoords, math.Vec2{X: float32(u), Y: float32(v)})
		case "f":
			if len(fields) < 4 {
				return nil, fmt.Errorf("%s:%d: face needs at least three corners", path, line)
			}
			corners := make([]uint32, 0, len(fields)-1)
			for _, spec := range fields[1:] {
				c, perr := parseCorner(spec, len(positions), len(texcoords), len(normals))
				if perr != nil {
					return nil, fmt.Errorf("%s:%d: %w", path, line, perr)
				}
				idx, aerr := addVertex(corner{v: c[0], vt: c[1], vn: c[2]})
				if aerr != nil {
					return nil, fmt.Errorf("%s:%d: %w", path, line, aerr)
				}
				corners = append(corners, idx)
			}
			for i := 1; i+1 < len(corners); i++ {
				g.Indices = append(g.Indices, corners[0], corners[i], corners[i+1])
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(g.Positions) == 0 || len(g.Indices) == 0 {
		return nil, fmt.Errorf("%s: no triangles", path)
	}

	fillMissingNormals(g)

	g.Extents.Min = g.Positions[0]
	g.Extents.Max = g.Positions[0]
	for _, p := range g.Positions[1:] {
		math.UpdateMinMax(&g.Extents.Min, &g.Extents.Max, p)
	}
	return g, nil
}

func parseVec3(fields []string) (math.Vec3, error) {
	if len(fields) < 3 {
		return math.Vec3{}, fmt.Errorf("expected three values")
	}
	var out [3]float32
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(fields[i], 32)
		if err != nil {
			return math.Vec3{}, fmt.Errorf("bad value %q", fields[i])
		}
		out[i] = float32(v)
	}
	return math.NewVec3(out[0], out[1], out[2]), nil
}

// parseCorner handles the v, v/vt, v//vn and v/vt/vn corner forms, with
// negative indices counted from the end per the OBJ spec.
func parseCorner(spec string, nv, nvt, nvn int) ([3]int, error) {
	parts := strings.Split(spec, "/")
	if len(parts) > 3 {
		return [3]int{}, fmt.Errorf("bad corner %q", spec)
	}
	counts := [3]int{nv, nvt, nvn}
	var out [3]int
	for i, p := range parts {
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return [3]int{}, fmt.Errorf("bad corner %q", spec)
		}
		if v < 0 {
			v = counts[i] + v + 1
		}
		out[i] = v
	}
	return out, nil
}

// fillMissingNormals assigns face normals to any vertex that had none in the
// source file.
func fillMissingNormals(g *mesh.Geometry) {
	missing := false
	for _, n := range g.Normals {
		if n.LengthSquared() == 0 {
			missing = true
			break
		}
	}
	if !missing {
		return
	}
	for i := 0; i+2 < len(g.Indices); i += 3 {
		a, b, c := g.Indices[i], g.Indices[i+1], g.Indices[i+2]
		n := g.Positions[b].Sub(g.Positions[a]).Cross(g.Positions[c].Sub(g.Positions[a])).Normalized()
		for _, idx := range []uint32{a, b, c} {
			if g.Normals[idx].LengthSquared() == 0 {
				g.Normals[idx] = n
			}
		}
	}
}
