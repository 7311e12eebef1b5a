package expr

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"and", "a > 0 and b < 1", "a > 0  &&  b < 1"},
		{"or", "a or b", "a  ||  b"},
		{"not", "not a", "!  a"},
		{"double quoted", `t == "x and y"`, `t == "x and y"`},
		{"single quoted", `t == 'not or'`, `t == 'not or'`},
		{"escaped quote", `t == "a \" and b"`, `t == "a \" and b"`},
		{"triple quoted", `t == """and "or" not"""`, `t == """and "or" not"""`},
		{"field named like keyword", "x.and == 1", "x.and == 1"},
		{"identifier prefix", "android or order", "android  ||  order"},
		{"literals", "True != None", "true  !=  null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalize(tt.in); got != tt.want {
				t.Errorf("normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
