//revive:disable

package envelope_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/peake100/icsconsole-go/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Valid(t *testing.T) {
	testCases := []struct {
		name           string
		body           string
		wantInstrument envelope.Instrument
		wantProcess    envelope.Process
		wantText       bool
	}{
		{
			name:           "SpecProgressText",
			body:           `{"inst": "SPEC", "process": "ING", "message": "exposure 1/3"}`,
			wantInstrument: envelope.Spec,
			wantProcess:    envelope.ProcessInProgress,
			wantText:       true,
		},
		{
			name:           "SpecDoneObject",
			body:           `{"inst": "SPEC", "process": "Done", "message": {"file": "exp001.fits"}}`,
			wantInstrument: envelope.Spec,
			wantProcess:    envelope.ProcessDone,
			wantText:       false,
		},
		{
			name:           "GuideAlias",
			body:           `{"inst": "GUIDE", "process": "ING", "message": "guiding"}`,
			wantInstrument: envelope.Guide,
			wantProcess:    envelope.ProcessInProgress,
			wantText:       true,
		},
		{
			name:           "UnknownInstrument",
			body:           `{"inst": "LAMP", "process": "ING", "message": "warming"}`,
			wantInstrument: envelope.Unrecognized,
			wantProcess:    envelope.ProcessInProgress,
			wantText:       true,
		},
		{
			name:           "EmptyInst",
			body:           `{"inst": "", "process": "ING", "message": "x"}`,
			wantInstrument: envelope.Unrecognized,
			wantProcess:    envelope.ProcessInProgress,
			wantText:       true,
		},
		{
			name:           "NullInst",
			body:           `{"inst": null, "process": "Done", "message": "x"}`,
			wantInstrument: envelope.Unrecognized,
			wantProcess:    envelope.ProcessDone,
			wantText:       true,
		},
		{
			name:           "NullProcess",
			body:           `{"inst": "SPEC", "process": null, "message": "x"}`,
			wantInstrument: envelope.Spec,
			wantProcess:    "",
			wantText:       true,
		},
		{
			name:           "NumericMessage",
			body:           `{"inst": "SPEC", "process": "ING", "message": 7}`,
			wantInstrument: envelope.Spec,
			wantProcess:    envelope.ProcessInProgress,
			wantText:       false,
		},
		{
			name:           "ArrayMessage",
			body:           `{"inst": "ADC", "process": "Done", "message": [1, 2]}`,
			wantInstrument: envelope.ADC,
			wantProcess:    envelope.ProcessDone,
			wantText:       false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := envelope.Parse([]byte(tc.body))
			require.NoError(t, err, "parse body")

			assert.Equal(t, tc.wantInstrument, env.Instrument, "instrument")
			assert.Equal(t, tc.wantProcess, env.Process, "process")
			assert.Equal(t, tc.wantText, env.IsText(), "text payload")
			assert.Equal(t, []byte(tc.body), env.Raw, "raw retained")
		})
	}
}

func TestParse_MissingMessageDefaults(t *testing.T) {
	for _, body := range []string{
		`{"inst": "ADC", "process": "Done"}`,
		`{"inst": "ADC", "process": "Done", "message": null}`,
	} {
		env, err := envelope.Parse([]byte(body))
		require.NoError(t, err, "parse body")
		assert.True(t, env.IsText(), "default is text")
		assert.Equal(t, "No message", env.Text())
	}
}

func TestParse_Malformed(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{name: "NotJSON", body: `not json at all`},
		{name: "Array", body: `["SPEC", "ING"]`},
		{name: "MissingInst", body: `{"process": "ING", "message": "x"}`},
		{name: "MissingProcess", body: `{"inst": "SPEC", "message": "x"}`},
		{name: "String", body: `"SPEC"`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := envelope.Parse([]byte(tc.body))
			assert.Nil(t, env, "no envelope")

			var malformed *envelope.MalformedMessageError
			if !assert.True(t, errors.As(err, &malformed), "error is malformed") {
				t.FailNow()
			}
			assert.Equal(t, []byte(tc.body), malformed.Raw, "raw body attached")
		})
	}
}

func TestParse_ScalarMessageKeptVerbatim(t *testing.T) {
	env, err := envelope.Parse([]byte(`{"inst": "SPEC", "process": "Done", "message": 7}`))
	require.NoError(t, err)

	assert.Equal(t, "7", string(env.Message))
	assert.Equal(t, "7", env.Text())
	assert.Equal(t, "7", env.Pretty())
	assert.Equal(t, "", env.File())

	_, err = env.Fields()
	assert.Error(t, err, "scalar has no fields")
}

func TestParse_NonStringTags(t *testing.T) {
	env, err := envelope.Parse([]byte(`{"inst": 5, "process": true, "message": "x", "id": 12}`))
	require.NoError(t, err)

	assert.Equal(t, envelope.Unrecognized, env.Instrument)
	assert.Equal(t, "5", env.Inst)
	assert.Equal(t, envelope.Process("true"), env.Process)
	assert.Equal(t, "12", env.ID)
}

func TestEnvelope_ObjectAccessors(t *testing.T) {
	env, err := envelope.Parse(
		[]byte(`{"inst": "SPEC", "process": "Done", "message": {"file": "exp001.fits", "count": 3}}`),
	)
	require.NoError(t, err)

	assert.Equal(t, "exp001.fits", env.File())

	count, ok := env.Field("count")
	assert.True(t, ok)
	assert.Equal(t, float64(3), count)

	_, ok = env.Field("missing")
	assert.False(t, ok)

	assert.Contains(t, env.Pretty(), "\n  \"file\": \"exp001.fits\"")
}

func TestEnvelope_TextHasNoFields(t *testing.T) {
	env, err := envelope.Parse([]byte(`{"inst": "SPEC", "process": "ING", "message": "busy"}`))
	require.NoError(t, err)

	_, err = env.Fields()
	assert.Error(t, err)
	assert.Equal(t, "", env.File())
	assert.Equal(t, "busy", env.Pretty())
}

func TestNew_Marshal(t *testing.T) {
	env, err := envelope.New(envelope.Spec, envelope.ProcessStart, "getobj 3 1")
	require.NoError(t, err)
	env.ID = "abc"

	body, err := env.Marshal()
	require.NoError(t, err)
	assert.Equal(t, body, env.Raw)

	decoded := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "SPEC", decoded["inst"])
	assert.Equal(t, "START", decoded["process"])
	assert.Equal(t, "getobj 3 1", decoded["message"])
	assert.Equal(t, "abc", decoded["id"])
}

func TestNew_RejectsScalarMessage(t *testing.T) {
	_, err := envelope.New(envelope.ADC, envelope.ProcessStart, 42)
	assert.Error(t, err)
}

func TestInstrument_Tags(t *testing.T) {
	for _, inst := range envelope.Known {
		assert.True(t, inst.IsKnown())
		assert.Equal(t, inst, envelope.ParseInstrument(inst.Tag()), "tag round trip")
	}

	assert.False(t, envelope.Unrecognized.IsKnown())
	assert.Equal(t, "", envelope.Unrecognized.Tag())
	assert.Equal(t, "UNRECOGNIZED", envelope.Instrument(99).String())
}

func TestProcess_Sentinels(t *testing.T) {
	assert.True(t, envelope.Process("ING").IsInProgress())
	assert.False(t, envelope.Process("ing").IsInProgress(), "in-progress is exact")
	assert.True(t, envelope.Process("DONE").IsTerminal())
	assert.False(t, envelope.ProcessStart.IsTerminal())
}
