package registration

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// PointCloudJSON is the JSON wire form of a point cloud.
type PointCloudJSON struct {
	Dtype   string       `json:"dtype,omitempty"`
	Device  string       `json:"device,omitempty"`
	Points  [][3]float64 `json:"points"`
	Normals [][3]float64 `json:"normals,omitempty"`
	Colors  [][3]float64 `json:"colors,omitempty"`
}

// ToPointCloud converts the wire form. Dtype and device default to Float32
// on CPU:0.
func (j PointCloudJSON) ToPointCloud() (*PointCloud, error) {
	dtype, err := ParseDtype(j.Dtype)
	if err != nil {
		return nil, err
	}
	device, err := ParseDevice(j.Device)
	if err != nil {
		return nil, err
	}
	for i, p := range j.Points {
		for _, v := range p {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("point %d has non-finite coordinate %v: %w", i, v, ErrInvalidArgument)
			}
		}
	}
	pc := NewPointCloud(fromTriples(j.Points), dtype, device)
	if len(j.Normals) > 0 {
		if err := pc.SetNormals(fromTriples(j.Normals)); err != nil {
			return nil, err
		}
	}
	if len(j.Colors) > 0 {
		if err := pc.SetColors(fromTriples(j.Colors)); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

// ToJSON converts a cloud to its wire form.
func (pc *PointCloud) ToJSON() PointCloudJSON {
	return PointCloudJSON{
		Dtype:   strings.ToLower(pc.dtype.String()),
		Device:  pc.device.String(),
		Points:  toTriples(pc.points),
		Normals: toTriples(pc.normals),
		Colors:  toTriples(pc.colors),
	}
}

func fromTriples(in [][3]float64) []r3.Vector {
	out := make([]r3.Vector, len(in))
	for i, t := range in {
		out[i] = r3.Vector{X: t[0], Y: t[1], Z: t[2]}
	}
	return out
}

func toTriples(in []r3.Vector) [][3]float64 {
	if len(in) == 0 {
		return nil
	}
	out := make([][3]float64, len(in))
	for i, v := range in {
		out[i] = [3]float64{v.X, v.Y, v.Z}
	}
	return out
}

// ParsePointCloudJSON decodes a JSON point cloud.
func ParsePointCloudJSON(data []byte) (*PointCloud, error) {
	var j PointCloudJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parsing point cloud JSON: %w", err)
	}
	return j.ToPointCloud()
}

// ReadPointCloud loads .xyz, .xyzn, .ply (ASCII) or .json files. For .json
// the dtype and device stored in the file win over the arguments when set.
func ReadPointCloud(path string, dtype Dtype, device Device) (*PointCloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening point cloud: %w", err)
	}
	defer f.Close()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".xyz", ".xyzn", ".txt", ".pts":
		return parseXYZ(f, dtype, device)
	case ".ply":
		return parsePLY(f, dtype, device)
	case ".json":
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("reading point cloud: %w", err)
		}
		var j PointCloudJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parsing point cloud JSON: %w", err)
		}
		if j.Dtype == "" {
			j.Dtype = dtype.String()
		}
		if j.Device == "" {
			j.Device = device.String()
		}
		return j.ToPointCloud()
	default:
		return nil, fmt.Errorf("unsupported point cloud format %q", ext)
	}
}

// parseXYZ reads whitespace separated rows of x y z, optionally followed by
// nx ny nz. Blank lines and lines starting with # are skipped.
func parseXYZ(r io.Reader, dtype Dtype, device Device) (*PointCloud, error) {
	var points, normals []r3.Vector
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		vals, err := parseFloats(strings.Fields(text))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		switch {
		case len(vals) >= 6:
			points = append(points, r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]})
			normals = append(normals, r3.Vector{X: vals[3], Y: vals[4], Z: vals[5]})
		case len(vals) >= 3:
			points = append(points, r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]})
		default:
			return nil, fmt.Errorf("line %d: want at least 3 values, got %d", line, len(vals))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading xyz: %w", err)
	}

	pc := NewPointCloud(points, dtype, device)
	if len(normals) > 0 {
		if err := pc.SetNormals(normals); err != nil {
			return nil, fmt.Errorf("xyz rows mix 3 and 6 columns: %w", err)
		}
	}
	return pc, nil
}

// parsePLY reads the vertex element of an ASCII PLY file.
func parsePLY(r io.Reader, dtype Dtype, device Device) (*PointCloud, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "ply" {
		return nil, fmt.Errorf("missing ply magic")
	}

	vertexCount := -1
	inVertex := false
	props := map[string]int{}
	nprops := 0
	ended := false
header:
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 || fields[1] != "ascii" {
				return nil, fmt.Errorf("unsupported ply format %q", strings.Join(fields[1:], " "))
			}
		case "element":
			inVertex = len(fields) >= 3 && fields[1] == "vertex"
			if inVertex {
				n, err := strconv.Atoi(fields[2])
				if err != nil || n < 0 {
					return nil, fmt.Errorf("invalid vertex count %q", fields[2])
				}
				vertexCount = n
			}
		case "property":
			if inVertex && len(fields) >= 3 {
				props[fields[len(fields)-1]] = nprops
				nprops++
			}
		case "end_header":
			ended = true
			break header
		}
	}
	if !ended {
		return nil, fmt.Errorf("ply header has no end_header")
	}
	if vertexCount < 0 {
		return nil, fmt.Errorf("ply has no vertex element")
	}
	for _, name := range []string{"x", "y", "z"} {
		if _, ok := props[name]; !ok {
			return nil, fmt.Errorf("ply vertex has no %q property", name)
		}
	}
	_, hasNX := props["nx"]
	_, hasNY := props["ny"]
	_, hasNZ := props["nz"]
	withNormals := hasNX && hasNY && hasNZ

	points := make([]r3.Vector, 0, vertexCount)
	var normals []r3.Vector
	for len(points) < vertexCount && scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < nprops {
			return nil, fmt.Errorf("vertex %d: want %d values, got %d", len(points), nprops, len(fields))
		}
		vals, err := parseFloats(fields[:nprops])
		if err != nil {
			return nil, fmt.Errorf("vertex %d: %w", len(points), err)
		}
		points = append(points, r3.Vector{X: vals[props["x"]], Y: vals[props["y"]], Z: vals[props["z"]]})
		if withNormals {
			normals = append(normals, r3.Vector{X: vals[props["nx"]], Y: vals[props["ny"]], Z: vals[props["nz"]]})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ply: %w", err)
	}
	if len(points) != vertexCount {
		return nil, fmt.Errorf("ply declares %d vertices, found %d", vertexCount, len(points))
	}

	pc := NewPointCloud(points, dtype, device)
	if withNormals {
		if err := pc.SetNormals(normals); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

func parseFloats(fields []string) ([]float64, error) {
	vals := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", f)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite value %q: %w", f, ErrInvalidArgument)
		}
		vals[i] = v
	}
	return vals, nil
}

// WritePointCloud saves pc as .xyz, .xyzn or .json based on the extension.
// .xyz includes normals when the cloud has them.
func WritePointCloud(path string, pc *PointCloud) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		data, err := json.MarshalIndent(pc.ToJSON(), "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling point cloud: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("writing point cloud: %w", err)
		}
		return nil
	case ".xyz", ".xyzn", ".txt":
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating point cloud file: %w", err)
		}
		w := bufio.NewWriter(f)
		for i, p := range pc.points {
			if pc.HasNormals() {
				n := pc.normals[i]
				fmt.Fprintf(w, "%g %g %g %g %g %g\n", p.X, p.Y, p.Z, n.X, n.Y, n.Z)
			} else {
				fmt.Fprintf(w, "%g %g %g\n", p.X, p.Y, p.Z)
			}
		}
		if err := w.Flush(); err != nil {
			f.Close()
			return fmt.Errorf("writing point cloud: %w", err)
		}
		return f.Close()
	default:
		return fmt.Errorf("unsupported point cloud format %q", ext)
	}
}
