package grid

import "fmt"

// Box is a half-open cell range [I0,I1)×[J0,J1)
type Box struct {
	I0, J0 int
	I1, J1 int
}

func (b Box) String() string {
	return fmt.Sprintf("[%d,%d)x[%d,%d)", b.I0, b.I1, b.J0, b.J1)
}

// Width is the extent in x
func (b Box) Width() int { return b.I1 - b.I0 }

// Height is the extent in y
func (b Box) Height() int { return b.J1 - b.J0 }

// Empty reports whether the box holds no cells
func (b Box) Empty() bool { return b.I1 <= b.I0 || b.J1 <= b.J0 }

// Size returns the number of cells
func (b Box) Size() int {
	if b.Empty() {
		return 0
	}
	return b.Width() * b.Height()
}

// Contains reports whether cell (i,j) lies in the box
func (b Box) Contains(i, j int) bool {
	return i >= b.I0 && i < b.I1 && j >= b.J0 && j < b.J1
}

// Within reports whether the box is non-empty and inside an nx×ny lattice
func (b Box) Within(nx, ny int) bool {
	return !b.Empty() && b.I0 >= 0 && b.J0 >= 0 && b.I1 <= nx && b.J1 <= ny
}

// Overlaps reports whether two boxes share a cell
func (b Box) Overlaps(o Box) bool {
	if b.Empty() || o.Empty() {
		return false
	}
	return b.I0 < o.I1 && o.I0 < b.I1 && b.J0 < o.J1 && o.J0 < b.J1
}

// Each visits cells in x-major order
func (b Box) Each(fn func(i, j int)) {
	for i := b.I0; i < b.I1; i++ {
		for j := b.J0; j < b.J1; j++ {
			fn(i, j)
		}
	}
}

// Indices returns the flat lattice indices of the box in x-major order
func (g *Grid) Indices(b Box) []int {
	out := make([]int, 0, b.Size())
	b.Each(func(i, j int) {
		out = append(out, g.Index(i, j))
	})
	return out
}
