// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package common_test

import (
	"strings"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/mj-coding-Base/Hora-Police/service/common"
)

type confSuite struct{}

var _ = gc.Suite(&confSuite{})

func validConf() common.Conf {
	return common.Conf{
		Desc:       "Hora-Police anti-malware sentinel",
		ExecStart:  "/usr/local/bin/hora-police /etc/hora-police/config.toml",
		WorkingDir: "/var/lib/hora-police",
		Restart:    "on-failure",
		Env:        map[string]string{"RUST_LOG": "info"},
		Limit:      map[string]string{"nofile": "65536"},
		Sandbox: common.SandboxPolicy{
			ProtectSystem:   "strict",
			PrivateTmp:      true,
			NoNewPrivileges: true,
			ReadWritePaths: []string{
				"/var/lib/hora-police",
				"/var/log/hora-police",
			},
		},
	}
}

func (*confSuite) TestValidateOK(c *gc.C) {
	err := validConf().Validate("hora-police")
	c.Assert(err, jc.ErrorIsNil)
}

func (*confSuite) TestValidateErrors(c *gc.C) {
	for i, test := range []struct {
		about  string
		mutate func(*common.Conf)
		match  string
	}{{
		about:  "missing ExecStart",
		mutate: func(conf *common.Conf) { conf.ExecStart = "" },
		match:  "missing ExecStart not valid",
	}, {
		about:  "relative ExecStart",
		mutate: func(conf *common.Conf) { conf.ExecStart = "hora-police" },
		match:  `relative ExecStart "hora-police" not valid`,
	}, {
		about:  "bad restart policy",
		mutate: func(conf *common.Conf) { conf.Restart = "sometimes" },
		match:  `restart policy "sometimes" not valid`,
	}, {
		about:  "bad ProtectSystem",
		mutate: func(conf *common.Conf) { conf.Sandbox.ProtectSystem = "maybe" },
		match:  `ProtectSystem "maybe" not valid`,
	}, {
		about:  "relative read-write path",
		mutate: func(conf *common.Conf) { conf.Sandbox.ReadWritePaths = []string{"var/lib"} },
		match:  `relative read-write path "var/lib" not valid`,
	}} {
		c.Logf("test %d: %s", i, test.about)
		conf := validConf()
		test.mutate(&conf)
		err := conf.Validate("hora-police")
		c.Check(err, gc.ErrorMatches, test.match)
	}
}

func (*confSuite) TestValidateMissingName(c *gc.C) {
	err := validConf().Validate("")
	c.Assert(err, gc.ErrorMatches, "missing service name not valid")
}

func (*confSuite) TestSerializeRoundTrip(c *gc.C) {
	conf := validConf()
	data, err := common.Serialize("hora-police", conf)
	c.Assert(err, jc.ErrorIsNil)

	parsed, err := common.Deserialize(data)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(parsed, jc.DeepEquals, conf)
}

func (*confSuite) TestSerializeContents(c *gc.C) {
	data, err := common.Serialize("hora-police", validConf())
	c.Assert(err, jc.ErrorIsNil)

	text := string(data)
	for _, want := range []string{
		"ExecStart=/usr/local/bin/hora-police /etc/hora-police/config.toml",
		"ProtectSystem=strict",
		"PrivateTmp=true",
		"NoNewPrivileges=true",
		"ReadWritePaths=/var/lib/hora-police /var/log/hora-police",
		"LimitNOFILE=65536",
		"Restart=on-failure",
		"WantedBy=multi-user.target",
	} {
		c.Check(strings.Contains(text, want), jc.IsTrue,
			gc.Commentf("unit file missing %q:\n%s", want, text))
	}
}

func (*confSuite) TestSerializeDefaultsRestart(c *gc.C) {
	conf := validConf()
	conf.Restart = ""
	data, err := common.Serialize("hora-police", conf)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(strings.Contains(string(data), "Restart=on-failure"), jc.IsTrue)
}

func (*confSuite) TestSerializeInvalid(c *gc.C) {
	conf := validConf()
	conf.ExecStart = ""
	_, err := common.Serialize("hora-police", conf)
	c.Assert(err, gc.ErrorMatches, "missing ExecStart not valid")
}

func (*confSuite) TestWritablePaths(c *gc.C) {
	paths := validConf().WritablePaths()
	c.Assert(paths.SortedValues(), jc.DeepEquals, []string{
		"/var/lib/hora-police",
		"/var/log/hora-police",
	})
}

func (*confSuite) TestIsZero(c *gc.C) {
	c.Check(common.Conf{}.IsZero(), jc.IsTrue)
	c.Check(validConf().IsZero(), jc.IsFalse)
}
