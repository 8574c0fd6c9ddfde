package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertechsoft/loopgrid/pkg/annotations"
	"github.com/cybertechsoft/loopgrid/pkg/contracts"
	"github.com/cybertechsoft/loopgrid/pkg/ledger"
	"github.com/cybertechsoft/loopgrid/pkg/store"
	"github.com/cybertechsoft/loopgrid/pkg/verifier"
)

func seededStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	l := ledger.New(s)
	var first *contracts.Decision
	for i := 0; i < 3; i++ {
		d, err := l.Append(ctx, contracts.DecisionInput{
			ServiceName:  "support-agent",
			DecisionType: "customer_support_reply",
			Input:        json.RawMessage(fmt.Sprintf(`{"message":"m%d"}`, i)),
			Model:        contracts.ModelRef{Provider: "openai", Name: "gpt-4", Parameters: map[string]any{"temperature": 0.2, "max_tokens": 256}},
			Output:       json.RawMessage(`{"response":"ok"}`),
		})
		require.NoError(t, err)
		if first == nil {
			first = d
		}
	}
	a := annotations.New(s)
	_, err := a.MarkIncorrect(ctx, first.ID, "wrong refund policy")
	require.NoError(t, err)
	_, err = a.AttachCorrection(ctx, first.ID, json.RawMessage(`{"response":"Refund issued."}`), "agent_1", "")
	require.NoError(t, err)
	return s
}

func TestBuildBundle(t *testing.T) {
	b, err := BuildBundle(context.Background(), seededStore(t))
	require.NoError(t, err)

	assert.Equal(t, BundleVersion, b.Version)
	assert.Equal(t, 3, b.DecisionCount)
	assert.Equal(t, int64(0), b.StartSeq)
	assert.Equal(t, int64(2), b.EndSeq)
	assert.Equal(t, b.Decisions[2].ChainHash, b.ChainHead)
	assert.Len(t, b.StatusEvents, 2)
	assert.Len(t, b.Corrections, 1)
	assert.True(t, b.Verification.Valid)
	assert.Len(t, b.BundleHash, 64)

	report, err := VerifyBundle(b)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Total)
}

func TestBuildBundle_EmptyLedger(t *testing.T) {
	b, err := BuildBundle(context.Background(), store.NewMemoryStore())
	require.NoError(t, err)
	assert.Zero(t, b.DecisionCount)
	assert.Empty(t, b.ChainHead)
	assert.True(t, b.Verification.Valid)
}

func TestBundle_SurvivesJSONRoundTrip(t *testing.T) {
	b, err := BuildBundle(context.Background(), seededStore(t))
	require.NoError(t, err)

	data, err := json.MarshalIndent(b, "", "  ")
	require.NoError(t, err)
	var decoded Bundle
	require.NoError(t, json.Unmarshal(data, &decoded))

	report, err := VerifyBundle(&decoded)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestVerifyBundle_DetectsTampering(t *testing.T) {
	b, err := BuildBundle(context.Background(), seededStore(t))
	require.NoError(t, err)

	b.Decisions[1].Output = json.RawMessage(`{"response":"rewritten"}`)
	_, err = VerifyBundle(b)
	assert.ErrorIs(t, err, ErrBundleTampered)

	// A forger who also recomputes the bundle hash still breaks the chain.
	b.BundleHash, err = b.computeHash()
	require.NoError(t, err)
	report, err := VerifyBundle(b)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, verifier.ContentMismatch, report.Anomalies[0].Kind)
	assert.Equal(t, int64(1), report.Anomalies[0].SequenceNumber)

	b.DecisionCount = 7
	_, err = VerifyBundle(b)
	assert.ErrorIs(t, err, ErrBundleTampered)
}

func TestExport_FileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "evidence")
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	b, err := BuildBundle(context.Background(), seededStore(t))
	require.NoError(t, err)
	loc, err := Export(context.Background(), fs, b)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, b.Name()), loc)

	data, err := os.ReadFile(loc)
	require.NoError(t, err)
	var decoded Bundle
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, b.BundleHash, decoded.BundleHash)

	_, err = os.Stat(loc + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

type fakeS3 struct {
	puts map[string][]byte
	err  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store_Put(t *testing.T) {
	fake := &fakeS3{puts: map[string][]byte{}}
	st := &S3Store{client: fake, bucket: "evidence", prefix: "ledger/"}

	loc, err := st.Put(context.Background(), "bundle.json", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "s3://evidence/ledger/bundle.json", loc)
	assert.Equal(t, []byte(`{}`), fake.puts["evidence/ledger/bundle.json"])

	fake.err = fmt.Errorf("access denied")
	_, err = st.Put(context.Background(), "bundle.json", []byte(`{}`))
	assert.ErrorContains(t, err, "s3 put failed")
}

func TestNewS3Store(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3StoreConfig{Region: "us-east-1"})
	assert.ErrorContains(t, err, "bucket is required")

	st, err := NewS3Store(context.Background(), S3StoreConfig{
		Bucket:   "evidence",
		Region:   "us-east-1",
		Endpoint: "http://localhost:9000",
	})
	require.NoError(t, err)
	assert.Equal(t, "evidence", st.bucket)
}
