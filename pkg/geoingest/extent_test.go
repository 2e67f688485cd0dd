package geoingest

import "testing"

func TestExtentString(t *testing.T) {
	tests := []struct {
		name string
		ext  Extent
		want string
	}{
		{"unknown", UnknownExtent, "UNKNOWN"},
		{"integers", ExtentFromCorners(Point{10, 20}, Point{-10, -20}), "-10,-20,10,20"},
		{"fractions", ExtentFromCorners(Point{0.5, 1.25}, Point{2, 3}), "0.5,1.25,2,3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ext.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseExtent(t *testing.T) {
	ext, err := ParseExtent("-9754990.5, 5130342.8,-9643670.1,5278225.2")
	if err != nil {
		t.Fatalf("ParseExtent failed: %v", err)
	}
	if !ext.Known || ext.MinX != -9754990.5 || ext.MaxY != 5278225.2 {
		t.Errorf("Unexpected extent %+v", ext)
	}

	if ext, err := ParseExtent("UNKNOWN"); err != nil || ext.Known {
		t.Errorf("Expected unknown extent, got %+v, %v", ext, err)
	}

	for _, bad := range []string{"1,2,3", "1,2,3,x"} {
		if _, err := ParseExtent(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestExtentIntersectsAndUnion(t *testing.T) {
	a := ExtentFromCorners(Point{0, 0}, Point{10, 10})
	b := ExtentFromCorners(Point{5, 5}, Point{15, 15})
	c := ExtentFromCorners(Point{20, 20}, Point{30, 30})

	if !a.Intersects(b) {
		t.Error("Expected a and b to intersect")
	}
	if a.Intersects(c) {
		t.Error("Expected a and c not to intersect")
	}
	if a.Intersects(UnknownExtent) {
		t.Error("Expected unknown extent never to intersect")
	}

	u := a.Union(c)
	if u.String() != "0,0,30,30" {
		t.Errorf("Expected union 0,0,30,30, got %s", u)
	}
	if got := UnknownExtent.Union(a); got != a {
		t.Errorf("Expected union with unknown to return the other extent, got %s", got)
	}
	if !u.Contains(Point{25, 5}) {
		t.Error("Expected union to contain (25, 5)")
	}
}
