package job

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		jobType string
		want    Class
	}{
		{"cpu-exec", RealCPU},
		{"exec", RealCPU},
		{"unsafe-exec", RealCPU},
		{"vcpu-exec", VirtualCPU},
		{"sio2jail-exec", VirtualCPU},
		{"compile", Other},
		{"ingen", Other},
		{"inwer", Other},
		{"ping", Other},
	}
	for _, c := range cases {
		e := &Env{JobType: c.jobType}
		if got := e.Classify(); got != c.want {
			t.Errorf("Classify(%q) = %v, want %v", c.jobType, got, c.want)
		}
	}
}

func TestRequiredRAMMB(t *testing.T) {
	cases := []struct {
		name string
		env  Env
		want int64
	}{
		{"cpu-exec default", Env{JobType: "cpu-exec"}, 64},
		{"cpu-exec override", Env{JobType: "cpu-exec", ExecMemLimitKiB: 128 * 1024}, 128},
		{"cpu-exec override below floor", Env{JobType: "cpu-exec", ExecMemLimitKiB: 10 * 1024}, 64},
		{
			"cpu-exec with checker", Env{
				JobType: "cpu-exec", ExecMemLimitKiB: 10 * 1024,
				CheckOutput: true, CheckerMemLimitKiB: 300 * 1024,
			}, 300,
		},
		{
			"cpu-exec with small checker floors at 256", Env{
				JobType: "cpu-exec", ExecMemLimitKiB: 10 * 1024,
				CheckOutput: true, CheckerMemLimitKiB: 10 * 1024,
			}, 256,
		},
		{"vcpu-exec default", Env{JobType: "vcpu-exec"}, 64},
		{"sio2jail-exec override", Env{JobType: "sio2jail-exec", ExecMemLimitKiB: 512 * 1024}, 512},
		{"ingen default", Env{JobType: "ingen"}, 256},
		{"ingen override", Env{JobType: "ingen", IngenMemLimitKiB: 1024 * 1024}, 1024},
		{"inwer default", Env{JobType: "inwer"}, 256},
		{"compile default", Env{JobType: "compile"}, 512},
		{"compile override", Env{JobType: "compile", CompileMemLimitKiB: 2048 * 1024}, 2048},
		{"other default", Env{JobType: "ping"}, 256},
		{"other override", Env{JobType: "ping", OtherMemLimitKiB: 1024 * 1024}, 1024},
		{"integer division truncates", Env{JobType: "cpu-exec", ExecMemLimitKiB: 100*1024 + 500}, 100},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.env.RequiredRAMMB(); got != c.want {
				t.Errorf("RequiredRAMMB() = %d, want %d", got, c.want)
			}
		})
	}
}

func TestIsKnownJobType(t *testing.T) {
	for _, jt := range []string{"compile", "cpu-exec", "vcpu-exec", "sio2jail-exec", "unsafe-exec", "ingen", "inwer", "ping", "exec"} {
		if !IsKnownJobType(jt) {
			t.Errorf("IsKnownJobType(%q) = false, want true", jt)
		}
	}
	if IsKnownJobType("bogus") {
		t.Error("IsKnownJobType(bogus) = true, want false")
	}
}
