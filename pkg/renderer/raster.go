package renderer

import (
	"fmt"
	"math"

	"github.com/df07/go-dream-distiller/pkg/core"
	"github.com/df07/go-dream-distiller/pkg/field"
)

// RasterGeometry is the triangle soup the rasterizer draws and
// differentiates through: vertex positions and per-vertex colors with a
// backward hook that routes gradients into the owning representation
// (explicit mesh params, or lattice SDF/deformation via the extractor).
type RasterGeometry interface {
	NumTriangles() int
	Triangle(i int) (v0, v1, v2 core.Vec3)
	Colors(i int) (c0, c1, c2 core.Vec3)
	AccumulateGrads(i int, dPos [3]core.Vec3, dColor [3]core.Vec3)
}

// RasterConfig contains configuration for the rasterization path
type RasterConfig struct {
	EdgeSigma  float64 // softness of silhouette edges, in pixels
	NumWorkers int
}

// DefaultRasterConfig returns sensible default values
func DefaultRasterConfig() RasterConfig {
	return RasterConfig{EdgeSigma: 1.0, NumWorkers: 0}
}

// fragment is the winning sample for one pixel
type fragment struct {
	tri      int
	bary     [3]float64
	coverage float64
	depth    float64
}

// RasterTape is the saved forward state of one rasterized render
type RasterTape struct {
	width, height int
	fragments     []fragment
	bgColors      []core.Vec3
	camera        *Camera
}

// RasterRenderer projects and shades triangle geometry with anti-aliased
// edges. Soft edges are what lets silhouette gradients reach vertex
// positions: a hard edge has zero derivative everywhere but the boundary.
type RasterRenderer struct {
	cfg        RasterConfig
	geometry   RasterGeometry
	background Background
}

// NewRasterRenderer creates a rasterizer over the given geometry
func NewRasterRenderer(cfg RasterConfig, geometry RasterGeometry, bg Background) *RasterRenderer {
	return &RasterRenderer{cfg: cfg, geometry: geometry, background: bg}
}

// Background returns the renderer's background policy
func (rr *RasterRenderer) Background() Background { return rr.background }

// Render draws the geometry through the camera. Depth resolution is a hard
// nearest-fragment test; only edge coverage is soft.
func (rr *RasterRenderer) Render(camera *Camera) (*RenderOutput, *RasterTape, error) {
	width, height := camera.Width(), camera.Height()
	out := NewRenderOutput(width, height)
	tape := &RasterTape{
		width:     width,
		height:    height,
		fragments: make([]fragment, width*height),
		bgColors:  make([]core.Vec3, width*height),
		camera:    camera,
	}
	for i := range tape.fragments {
		tape.fragments[i] = fragment{tri: -1, depth: math.Inf(1)}
	}

	numTris := rr.geometry.NumTriangles()
	blur := rr.cfg.EdgeSigma * 4

	err := ParallelBands(height, rr.cfg.NumWorkers, func(y0, y1 int) error {
		for i := 0; i < numTris; i++ {
			rr.rasterizeTriangle(camera, i, y0, y1, blur, tape)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("rasterize: %w", err)
	}

	// Composite fragments over the background
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := out.Index(x, y)
			ray := camera.GetRayForPixel(x, y, core.NewVec2(0.5, 0.5))
			bg := rr.background.Color(ray)
			tape.bgColors[idx] = bg

			frag := &tape.fragments[idx]
			if frag.tri < 0 {
				out.Color[idx] = bg
				continue
			}
			c0, c1, c2 := rr.geometry.Colors(frag.tri)
			interp := c0.Multiply(frag.bary[0]).
				Add(c1.Multiply(frag.bary[1])).
				Add(c2.Multiply(frag.bary[2]))
			out.Color[idx] = interp.Multiply(frag.coverage).Add(bg.Multiply(1 - frag.coverage))
			out.Alpha[idx] = frag.coverage
			out.Depth[idx] = frag.depth * frag.coverage
			out.Normal[idx] = rr.faceNormal(frag.tri)
		}
	}
	return out, tape, nil
}

func (rr *RasterRenderer) faceNormal(tri int) core.Vec3 {
	v0, v1, v2 := rr.geometry.Triangle(tri)
	return v1.Subtract(v0).Cross(v2.Subtract(v0)).Normalize()
}

// rasterizeTriangle walks the triangle's screen bounding box inside the
// scanline band and records the nearest fragment per pixel.
func (rr *RasterRenderer) rasterizeTriangle(camera *Camera, tri, y0, y1 int, blur float64, tape *RasterTape) {
	v0, v1, v2 := rr.geometry.Triangle(tri)
	p0, d0, ok0 := camera.Project(v0)
	p1, d1, ok1 := camera.Project(v1)
	p2, d2, ok2 := camera.Project(v2)
	if !ok0 || !ok1 || !ok2 {
		return
	}

	area := cross2(p1.Subtract(p0), p2.Subtract(p0))
	if math.Abs(area) < 1e-12 {
		return
	}

	minX := int(math.Floor(min3(p0.X, p1.X, p2.X) - blur))
	maxX := int(math.Ceil(max3(p0.X, p1.X, p2.X) + blur))
	minY := int(math.Floor(min3(p0.Y, p1.Y, p2.Y) - blur))
	maxY := int(math.Ceil(max3(p0.Y, p1.Y, p2.Y) + blur))

	minX = max(minX, 0)
	maxX = min(maxX, tape.width-1)
	minY = max(minY, y0)
	maxY = min(maxY, y1-1)

	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			q := core.NewVec2(float64(x)+0.5, float64(y)+0.5)

			b0 := cross2(p2.Subtract(p1), q.Subtract(p1)) / area
			b1 := cross2(p0.Subtract(p2), q.Subtract(p2)) / area
			b2 := cross2(p1.Subtract(p0), q.Subtract(p0)) / area

			dist := signedBoundaryDistance(p0, p1, p2, q, area)
			coverage := sigmoid(dist / rr.cfg.EdgeSigma)
			if coverage < 1e-3 {
				continue
			}

			// Clamped barycentrics keep attribute and depth interpolation
			// inside the triangle for blurred boundary pixels.
			cb := clampBary(b0, b1, b2)
			depth := cb[0]*d0 + cb[1]*d1 + cb[2]*d2

			idx := y*tape.width + x
			frag := &tape.fragments[idx]
			if depth < frag.depth {
				*frag = fragment{tri: tri, bary: cb, coverage: coverage, depth: depth}
			}
		}
	}
}

// Backward routes pixel gradients into vertex colors (via barycentrics) and
// vertex positions (via the silhouette coverage term). Attribute gradients
// with respect to positions away from edges are dropped, the usual soft
// rasterization approximation.
func (rr *RasterRenderer) Backward(tape *RasterTape, dColor []core.Vec3, dAlpha []float64) error {
	if len(dColor) != len(tape.fragments) {
		return fmt.Errorf("color gradient size %d does not match tape %d", len(dColor), len(tape.fragments))
	}

	for idx := range tape.fragments {
		frag := &tape.fragments[idx]
		dC := dColor[idx]
		da := 0.0
		if dAlpha != nil {
			da = dAlpha[idx]
		}

		x := idx % tape.width
		y := idx / tape.width
		ray := tape.camera.GetRayForPixel(x, y, core.NewVec2(0.5, 0.5))

		if frag.tri < 0 {
			rr.background.Backward(ray, dC)
			continue
		}
		if dC == (core.Vec3{}) && da == 0 {
			continue
		}

		c0, c1, c2 := rr.geometry.Colors(frag.tri)
		interp := c0.Multiply(frag.bary[0]).
			Add(c1.Multiply(frag.bary[1])).
			Add(c2.Multiply(frag.bary[2]))
		bg := tape.bgColors[idx]

		// Color flows through coverage-weighted attribute interpolation
		dInterp := dC.Multiply(frag.coverage)
		dColors := [3]core.Vec3{
			dInterp.Multiply(frag.bary[0]),
			dInterp.Multiply(frag.bary[1]),
			dInterp.Multiply(frag.bary[2]),
		}

		// Coverage gradient: color difference against the backdrop plus
		// any direct opacity objective.
		dCov := dC.Dot(interp.Subtract(bg)) + da
		dPos := rr.coverageBackward(tape.camera, frag.tri, x, y, frag.coverage, dCov)

		rr.geometry.AccumulateGrads(frag.tri, dPos, dColors)
		rr.background.Backward(ray, dC.Multiply(1-frag.coverage))
	}
	return nil
}

// coverageBackward converts a coverage gradient into world-space vertex
// position gradients through the nearest screen edge.
func (rr *RasterRenderer) coverageBackward(camera *Camera, tri, x, y int, coverage, dCov float64) [3]core.Vec3 {
	var dPos [3]core.Vec3
	if dCov == 0 {
		return dPos
	}

	v0, v1, v2 := rr.geometry.Triangle(tri)
	p0, _, ok0 := camera.Project(v0)
	p1, _, ok1 := camera.Project(v1)
	p2, _, ok2 := camera.Project(v2)
	if !ok0 || !ok1 || !ok2 {
		return dPos
	}
	area := cross2(p1.Subtract(p0), p2.Subtract(p0))
	if math.Abs(area) < 1e-12 {
		return dPos
	}
	sign := 1.0
	if area < 0 {
		sign = -1.0
	}

	q := core.NewVec2(float64(x)+0.5, float64(y)+0.5)
	screens := [3]core.Vec2{p0, p1, p2}
	worlds := [3]core.Vec3{v0, v1, v2}

	// Nearest edge carries the silhouette gradient
	edgeA, edgeB, _ := nearestEdge(p0, p1, p2, q, sign)

	dDist := dCov * coverage * (1 - coverage) / rr.cfg.EdgeSigma
	dA, dB := edgeDistanceBackward(screens[edgeA], screens[edgeB], q, sign, dDist)

	for _, e := range []struct {
		vertex  int
		dScreen core.Vec2
	}{{edgeA, dA}, {edgeB, dB}} {
		jx, jy, ok := camera.ScreenJacobian(worlds[e.vertex])
		if !ok {
			continue
		}
		dPos[e.vertex] = dPos[e.vertex].
			Add(jx.Multiply(e.dScreen.X)).
			Add(jy.Multiply(e.dScreen.Y))
	}
	return dPos
}

// signedBoundaryDistance returns the distance from q to the triangle
// boundary, positive inside.
func signedBoundaryDistance(p0, p1, p2, q core.Vec2, area float64) float64 {
	sign := 1.0
	if area < 0 {
		sign = -1.0
	}
	d0 := edgeDistance(p0, p1, q, sign)
	d1 := edgeDistance(p1, p2, q, sign)
	d2 := edgeDistance(p2, p0, q, sign)
	return min3(d0, d1, d2)
}

// edgeDistance is the signed distance from q to the infinite line through
// a->b, positive on the triangle's interior side for the given winding.
func edgeDistance(a, b, q core.Vec2, sign float64) float64 {
	e := b.Subtract(a)
	length := e.Length()
	if length < 1e-12 {
		return 0
	}
	return sign * cross2(e, q.Subtract(a)) / length
}

func nearestEdge(p0, p1, p2 core.Vec2, q core.Vec2, sign float64) (int, int, float64) {
	edges := [3][2]int{{0, 1}, {1, 2}, {2, 0}}
	points := [3]core.Vec2{p0, p1, p2}
	bestA, bestB := 0, 1
	best := math.Inf(1)
	for _, e := range edges {
		d := edgeDistance(points[e[0]], points[e[1]], q, sign)
		if d < best {
			best = d
			bestA, bestB = e[0], e[1]
		}
	}
	return bestA, bestB, best
}

// edgeDistanceBackward differentiates edgeDistance with respect to the two
// screen endpoints, scaled by dDist.
func edgeDistanceBackward(a, b, q core.Vec2, sign, dDist float64) (core.Vec2, core.Vec2) {
	e := b.Subtract(a)
	length := e.Length()
	if length < 1e-12 {
		return core.Vec2{}, core.Vec2{}
	}
	m := q.Subtract(a)
	c := cross2(e, m)

	// c = (b.x-a.x)(q.y-a.y) - (b.y-a.y)(q.x-a.x)
	dcDa := core.NewVec2(b.Y-q.Y, q.X-b.X)
	dcDb := core.NewVec2(q.Y-a.Y, a.X-q.X)

	// d = sign * c / |e|; d|e|/da = -e/|e|, d|e|/db = e/|e|
	invLen := 1 / length
	factor := sign * invLen
	lenTerm := sign * c * invLen * invLen * invLen

	dA := dcDa.Multiply(factor).Add(e.Multiply(lenTerm))
	dB := dcDb.Multiply(factor).Subtract(e.Multiply(lenTerm))
	return dA.Multiply(dDist), dB.Multiply(dDist)
}

func clampBary(b0, b1, b2 float64) [3]float64 {
	c := [3]float64{
		min(max(b0, 0), 1),
		min(max(b1, 0), 1),
		min(max(b2, 0), 1),
	}
	sum := c[0] + c[1] + c[2]
	if sum <= 0 {
		return [3]float64{1.0 / 3, 1.0 / 3, 1.0 / 3}
	}
	return [3]float64{c[0] / sum, c[1] / sum, c[2] / sum}
}

func cross2(a, b core.Vec2) float64 {
	return a.X*b.Y - a.Y*b.X
}

func min3(a, b, c float64) float64 { return math.Min(a, math.Min(b, c)) }
func max3(a, b, c float64) float64 { return math.Max(a, math.Max(b, c)) }

// MeshGeometry adapts the explicit mesh field to the rasterizer
type MeshGeometry struct {
	Mesh *field.MeshField
}

// NewMeshGeometry wraps a mesh field for rasterization
func NewMeshGeometry(mesh *field.MeshField) *MeshGeometry {
	return &MeshGeometry{Mesh: mesh}
}

func (g *MeshGeometry) NumTriangles() int {
	return len(g.Mesh.Faces()) / 3
}

func (g *MeshGeometry) Triangle(i int) (core.Vec3, core.Vec3, core.Vec3) {
	faces := g.Mesh.Faces()
	return g.Mesh.Vertex(faces[i*3]), g.Mesh.Vertex(faces[i*3+1]), g.Mesh.Vertex(faces[i*3+2])
}

func (g *MeshGeometry) Colors(i int) (core.Vec3, core.Vec3, core.Vec3) {
	faces := g.Mesh.Faces()
	return g.Mesh.VertexColor(faces[i*3]), g.Mesh.VertexColor(faces[i*3+1]), g.Mesh.VertexColor(faces[i*3+2])
}

func (g *MeshGeometry) AccumulateGrads(i int, dPos [3]core.Vec3, dColor [3]core.Vec3) {
	faces := g.Mesh.Faces()
	for k := 0; k < 3; k++ {
		g.Mesh.AccumulatePositionGrad(faces[i*3+k], dPos[k])
		g.Mesh.AccumulateColorGrad(faces[i*3+k], dColor[k])
	}
}
