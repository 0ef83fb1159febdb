package protocol

import (
	"errors"
	"testing"
)

func TestDecode_ConnectDefaults(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"connect","host":"10.0.0.5","username":"root","password":"x"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, ok := msg.(Connect)
	if !ok {
		t.Fatalf("Decode returned %T, want Connect", msg)
	}
	if c.Port != DefaultPort || c.Cols != DefaultCols || c.Rows != DefaultRows {
		t.Errorf("defaults = %d %dx%d, want 22 80x24", c.Port, c.Cols, c.Rows)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestDecode_ConnectExplicitFields(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"connect","host":"h","username":"u","password":"p","port":2222,"cols":120,"rows":40}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := msg.(Connect)
	if c.Host != "h" || c.Username != "u" || c.Password != "p" {
		t.Errorf("credentials = %q/%q/%q", c.Host, c.Username, c.Password)
	}
	if c.Port != 2222 {
		t.Errorf("Port = %d, want 2222", c.Port)
	}
	if got := c.Size(); got != (Size{Cols: 120, Rows: 40}) {
		t.Errorf("Size = %+v, want 120x40", got)
	}
}

func TestConnectValidate_MissingCredentials(t *testing.T) {
	cases := []Connect{
		{Username: "u", Password: "p", Port: 22},
		{Host: "h", Password: "p", Port: 22},
		{Host: "h", Username: "u", Port: 22},
		{Host: "   ", Username: "u", Password: "p", Port: 22},
	}
	for _, c := range cases {
		if err := c.Validate(); !errors.Is(err, ErrMissingCredentials) {
			t.Errorf("Validate(%+v) = %v, want ErrMissingCredentials", c, err)
		}
	}
}

func TestConnectValidate_InvalidPort(t *testing.T) {
	for _, port := range []int{0, -1, 65536} {
		c := Connect{Host: "h", Username: "u", Password: "p", Port: port}
		if err := c.Validate(); !errors.Is(err, ErrInvalidPort) {
			t.Errorf("port %d: Validate = %v, want ErrInvalidPort", port, err)
		}
	}
}

func TestDecode_InputKeepsDataVerbatim(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"input","data":"ls\n\u001b[A\t"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	in := msg.(Input)
	if in.Data != "ls\n\x1b[A\t" {
		t.Errorf("Data = %q", in.Data)
	}
}

func TestDecode_EmptyInputIsValid(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"input","data":""}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.(Input).Data != "" {
		t.Error("expected empty data")
	}
}

func TestDecode_Resize(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"resize","cols":120,"rows":40}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := msg.(Resize).Size(); got != (Size{Cols: 120, Rows: 40}) {
		t.Errorf("Size = %+v", got)
	}
}

func TestDecode_Disconnect(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"disconnect"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := msg.(Disconnect); !ok {
		t.Errorf("Decode returned %T, want Disconnect", msg)
	}
}

func TestDecode_Invalid(t *testing.T) {
	frames := []string{
		``,
		`not json`,
		`[]`,
		`{}`,
		`{"type":"shutdown"}`,
		`{"type":"input"}`,
		`{"type":"input","data":42}`,
		`{"type":"resize","cols":120}`,
		`{"type":"resize","cols":0,"rows":24}`,
		`{"type":"resize","cols":80,"rows":-1}`,
		`{"type":"resize","cols":5000,"rows":24}`,
		`{"type":"resize","cols":80.5,"rows":24}`,
		`{"type":"connect","host":"h","username":"u","password":"p","cols":0}`,
		`{"type":"connect","host":1}`,
	}
	for _, f := range frames {
		if _, err := Decode([]byte(f)); !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("Decode(%q) = %v, want ErrInvalidMessage", f, err)
		}
	}
}

func TestEncode_Status(t *testing.T) {
	got, err := Encode(NewStatus(PhaseConnecting, ""))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(got) != `{"type":"status","status":"connecting"}` {
		t.Errorf("Encode = %s", got)
	}

	got, _ = Encode(NewStatus(PhaseDisconnected, "Remote stream closed"))
	if string(got) != `{"type":"status","status":"disconnected","message":"Remote stream closed"}` {
		t.Errorf("Encode = %s", got)
	}
}

func TestEncode_OutputNoHTMLEscaping(t *testing.T) {
	got, err := Encode(NewOutput("a<b>&c prompt$ "))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(got) != `{"type":"output","data":"a<b>&c prompt$ "}` {
		t.Errorf("Encode = %s", got)
	}
}
