package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/matt-riley/assignz/internal/core"
)

func BenchmarkGetIntegerAssignment(b *testing.B) {
	c := New(WithLogger(discardLogger()))
	if err := c.LoadConfiguration(context.Background(), readFixture(b, "flags.json"), nil, nil); err != nil {
		b.Fatalf("LoadConfiguration() error = %v", err)
	}
	ctx := context.Background()

	b.ResetTimer()
	for b.Loop() {
		_, _ = c.GetIntegerAssignment(ctx, "integer-flag", "bob", nil, 0)
	}
}

func BenchmarkGetBooleanAssignmentParallel(b *testing.B) {
	c := New(WithLogger(discardLogger()))
	if err := c.LoadConfiguration(context.Background(), readFixture(b, "flags.json"), nil, nil); err != nil {
		b.Fatalf("LoadConfiguration() error = %v", err)
	}
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = c.GetBooleanAssignment(ctx, "kill-switch", fmt.Sprintf("subject-%d", i), core.Attributes{"age": i % 90}, false)
			i++
		}
	})
}
