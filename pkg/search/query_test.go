package search

import "testing"

func TestQuerySegments(t *testing.T) {
	cases := []struct {
		name string
		q    Query
		want []string
	}{
		{"empty pattern", Query{Pattern: ""}, []string{""}},
		{"bare name", Query{Pattern: "c.txt"}, []string{"c.txt"}},
		{"name with one ancestor", Query{Pattern: `c.txt\b`, CaseSensitive: true}, []string{"c.txt", "b"}},
		{"name with two ancestors", Query{Pattern: `report.pdf\2024\archive`, CaseSensitive: true}, []string{"report.pdf", "2024", "archive"}},
		{"forward slash separator", Query{Pattern: "c.txt/b", CaseSensitive: true}, []string{"c.txt", "b"}},
		{"case folded when case-insensitive", Query{Pattern: `Report.PDF\Archive`}, []string{"report.pdf", "archive"}},
		{"case preserved when case-sensitive", Query{Pattern: `Report.PDF\Archive`, CaseSensitive: true}, []string{"Report.PDF", "Archive"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := c.q.segments()
			if len(got) != len(c.want) {
				t.Fatalf("segments() = %v, want %v", got, c.want)
			}
			for i := range got {
				if got[i] != c.want[i] {
					t.Fatalf("segments() = %v, want %v", got, c.want)
				}
			}
		})
	}
}
