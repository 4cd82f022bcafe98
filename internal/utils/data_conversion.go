package utils

// Helper functions
func FloatPtr(f float64) *float64 {
	return &f
}

func StringPtr(s string) *string {
	return &s
}

func IntPtr(i int) *int {
	return &i
}

// NonEmptyStringPtr returns nil for an empty string.
func NonEmptyStringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func StringPtrValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
