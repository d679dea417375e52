package chunker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsHeadingLine(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"EXECUTIVE SUMMARY", true},
		{"Executive Summary", true},
		{"Property Overview:", true},
		{"## Rent Roll", true},
		{"2. Market Analysis", true},
		{"Summary", true},
		{"The property is located near the highway.", false},
		{"this is lower case text", false},
		{"12345", false},
		{"", false},
		{"A Very Long Heading That Keeps Going With Far Too Many Words To Be A Title", false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, IsHeadingLine(tt.line))
		})
	}
}

func TestIsFooterLine(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"Page 3", true},
		{"page 3 of 12", true},
		{"- 7 -", true},
		{"4/20", true},
		{"Confidential - Do Not Distribute", true},
		{"© 2024 Example Capital LLC", true},
		{"www.example.com", true},
		{"Net operating income grew by 4% year over year.", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFooterLine(tt.line))
		})
	}
}

func TestIsListLine(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"- first item", true},
		{"• bullet", true},
		{"  * nested", true},
		{"1. step one", true},
		{"2) step two", true},
		{"(a) clause", true},
		{"-5% change", false},
		{"plain sentence", false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, IsListLine(tt.line))
		})
	}
}

func TestIsTableLine(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"Unit 101    1,250    12/2024", true},
		{"Suite A\t$4,500\t2,100 SF", true},
		{"2021 2022 2023 4.5% 5.1%", true},
		{"Base Rent 24,000 26,400 29,040", true},
		{"The building was renovated in 2019 and again in 2022.", false},
		{"Tenant    Lease    Expiry", false},
		{"ab", false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTableLine(tt.line))
		})
	}
}
