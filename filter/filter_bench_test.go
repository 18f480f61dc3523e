package filter

import (
	"testing"

	"github.com/dhcgn/mbox-mood/model"
)

var benchMessage = model.Message{
	Raw: []byte("From: test@example.com\nTo: user@example.com\nSubject: Test\n\nThis is a test message body with some content."),
}

// BenchmarkFilter_Check_NoFilters benchmarks the filter when no filters are active
func BenchmarkFilter_Check_NoFilters(b *testing.B) {
	f, err := New(Options{})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Check(benchMessage)
	}
}

// BenchmarkFilter_Check_HeaderAndBody benchmarks include patterns over both parts
func BenchmarkFilter_Check_HeaderAndBody(b *testing.B) {
	f, err := New(Options{
		IncludeHeader: []string{"From:.*@example\\.org"},
		IncludeBody:   []string{"content"},
		IgnoreCase:    true,
	})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Check(benchMessage)
	}
}
