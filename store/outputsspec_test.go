// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import "testing"

func TestOutputsSpecParseRoundTrip(t *testing.T) {
	tests := []struct {
		s    string
		want string
	}{
		{"*", "*"},
		{"out,bin", "bin,out"},
		{"foo", "foo"},
	}
	for _, test := range tests {
		spec, err := ParseOutputsSpec(test.s)
		if err != nil {
			t.Errorf("ParseOutputsSpec(%q): %v", test.s, err)
			continue
		}
		if got := spec.String(); got != test.want {
			t.Errorf("ParseOutputsSpec(%q).String() = %q; want %q", test.s, got, test.want)
		}
	}
}

func TestOutputsSpecParseRejects(t *testing.T) {
	for _, s := range []string{"*,foo", "foo,*", "**"} {
		if _, err := ParseOutputsSpec(s); err == nil {
			t.Errorf("ParseOutputsSpec(%q) succeeded; want error", s)
		}
	}
}

func TestOutputsSpecUnion(t *testing.T) {
	a := OutputNames("a")
	b := OutputNames("b")
	union := a.Union(b)
	want := OutputNames("a", "b")
	if !union.Equal(want) {
		t.Errorf("Union(a,b) = %v; want %v", union, want)
	}
	if !AllOutputs.Union(a).Equal(AllOutputs) {
		t.Error("AllOutputs ∪ x != AllOutputs")
	}
	if !a.IsSubsetOf(AllOutputs) {
		t.Error("x.IsSubsetOf(AllOutputs) = false; want true")
	}
}

func TestOutputsSpecNamesSubset(t *testing.T) {
	a := OutputNames("a")
	ab := OutputNames("a", "b")
	if !a.IsSubsetOf(ab) {
		t.Error("Names(a).IsSubsetOf(Names(a,b)) = false; want true")
	}
	if ab.IsSubsetOf(a) {
		t.Error("Names(a,b).IsSubsetOf(Names(a)) = true; want false")
	}
}

func TestExtendedOutputsSpecSplit(t *testing.T) {
	prefix, spec, err := ParseExtendedOutputsSpec("foo^bar^out,bin")
	if err != nil {
		t.Fatal(err)
	}
	if prefix != "foo^bar" {
		t.Errorf("prefix = %q; want %q", prefix, "foo^bar")
	}
	explicit, ok := spec.ExplicitSpec()
	if !ok {
		t.Fatal("spec is Default; want Explicit")
	}
	if !explicit.Equal(OutputNames("out", "bin")) {
		t.Errorf("explicit = %v; want Names{out,bin}", explicit)
	}
	if got := spec.String(prefix); got != "foo^bar^bin,out" {
		t.Errorf("String() = %q; want %q", got, "foo^bar^bin,out")
	}
}

func TestExtendedOutputsSpecDefault(t *testing.T) {
	prefix, spec, err := ParseExtendedOutputsSpec("foo")
	if err != nil {
		t.Fatal(err)
	}
	if prefix != "foo" || !spec.IsDefault() {
		t.Errorf("ParseExtendedOutputsSpec(%q) = (%q, %v); want (\"foo\", Default)", "foo", prefix, spec)
	}
}
