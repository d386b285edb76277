package sam2

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/getcharzp/go-cutout"
)

func TestDecoder_PredictBeforeInitialize(t *testing.T) {
	dec, _ := newTestDecoder(t, decoderSession([]string{"iou_predictions", "low_res_masks"}, gradientRun), nil)

	_, err := dec.Predict(context.Background(), testEmbeddings(), nil, 8, 8)
	if !errors.Is(err, ErrInferenceNotReady) {
		t.Fatalf("期望 ErrInferenceNotReady, 实际: %v", err)
	}
}

func TestDecoder_ProviderFallback(t *testing.T) {
	dec, rt := newTestDecoder(t, decoderSession([]string{"iou_predictions", "low_res_masks"}, gradientRun), gpuless())

	if err := dec.Initialize(context.Background()); err != nil {
		t.Fatalf("初始化失败: %v", err)
	}
	want := []cutout.Provider{cutout.ProviderCUDA, cutout.ProviderCoreML, cutout.ProviderDirectML, cutout.ProviderCPU}
	if len(rt.tried) != len(want) {
		t.Fatalf("尝试顺序错误: %v", rt.tried)
	}
	for i, p := range want {
		if rt.tried[i] != p {
			t.Fatalf("尝试顺序错误: %v", rt.tried)
		}
	}
	if dec.Provider() != cutout.ProviderCPU {
		t.Fatalf("应回退到 CPU, 实际 %s", dec.Provider())
	}
}

func TestDecoder_PrefersGPU(t *testing.T) {
	dec, rt := newTestDecoder(t, decoderSession([]string{"iou_predictions", "low_res_masks"}, gradientRun), nil)

	if err := dec.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if dec.Provider() != cutout.ProviderCUDA || len(rt.tried) != 1 {
		t.Fatalf("GPU 可用时应直接使用: %s %v", dec.Provider(), rt.tried)
	}
}

func TestDecoder_InitializeCollapses(t *testing.T) {
	dec, rt := newTestDecoder(t, decoderSession([]string{"iou_predictions", "low_res_masks"}, gradientRun), nil)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- dec.Initialize(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("初始化失败: %v", err)
		}
	}
	if err := dec.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rt.created != 1 {
		t.Fatalf("会话只应创建一次, 实际 %d 次", rt.created)
	}
}

func TestDecoder_ModelLoadError(t *testing.T) {
	rt := &fakeRuntime{session: decoderSession([]string{"masks"}, gradientRun)}
	dec := NewDecoder(rt, DecoderConfig{ModelURL: "/nonexistent/decoder.onnx"})

	err := dec.Initialize(context.Background())
	var loadErr *ModelLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("期望 ModelLoadError, 实际: %v", err)
	}
	if dec.Ready() {
		t.Fatal("加载失败后不应处于就绪状态")
	}

	all := gpuless()
	all[cutout.ProviderCPU] = errNoDevice
	dec, _ = newTestDecoder(t, decoderSession([]string{"masks"}, gradientRun), all)
	if err := dec.Initialize(context.Background()); !errors.As(err, &loadErr) || !errors.Is(err, errNoDevice) {
		t.Fatalf("所有后端失败时应返回 ModelLoadError: %v", err)
	}
}

func TestDecoder_AutoSegmentDefault(t *testing.T) {
	session := decoderSession([]string{"iou_predictions", "low_res_masks"}, gradientRun)
	dec, _ := newTestDecoder(t, session, nil)
	if err := dec.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	emb := testEmbeddings()

	auto, err := dec.AutoSegment(ctx, emb, 13, 7)
	if err != nil {
		t.Fatal(err)
	}
	autoFeeds := session.lastFeeds(t)

	center, err := dec.Predict(ctx, emb, []PointPrompt{{X: 0.5, Y: 0.5, Label: LabelForeground}}, 13, 7)
	if err != nil {
		t.Fatal(err)
	}
	centerFeeds := session.lastFeeds(t)

	if !bytes.Equal(auto.Mask.Pix, center.Mask.Pix) || auto.Score != center.Score {
		t.Fatal("空提示点必须与中心前景点结果一致")
	}
	for _, name := range []string{inputPointCoords, inputPointLabels} {
		a, c := autoFeeds[name], centerFeeds[name]
		if len(a.Data) != len(c.Data) {
			t.Fatalf("%s 不一致: %v vs %v", name, a, c)
		}
		for i := range a.Data {
			if a.Data[i] != c.Data[i] {
				t.Fatalf("%s 不一致: %v vs %v", name, a, c)
			}
		}
	}
	if got := autoFeeds[inputPointCoords].Data; got[0] != 512 || got[1] != 512 {
		t.Fatalf("默认点应为 (512, 512), 实际 %v", got)
	}
}

func TestDecoder_CoordinateScaling(t *testing.T) {
	session := decoderSession([]string{"iou_predictions", "low_res_masks"}, gradientRun)
	dec, _ := newTestDecoder(t, session, nil)
	if err := dec.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	points := []PointPrompt{
		{X: 0.25, Y: 0.75, Label: LabelForeground},
		{X: 1, Y: 0, Label: LabelBackground},
		{X: 0.1, Y: 0.9, Label: LabelForeground},
	}
	if _, err := dec.Predict(context.Background(), testEmbeddings(), points, 4, 4); err != nil {
		t.Fatal(err)
	}
	feeds := session.lastFeeds(t)

	coords := feeds[inputPointCoords]
	if len(coords.Shape) != 3 || coords.Shape[0] != 1 || coords.Shape[1] != 3 || coords.Shape[2] != 2 {
		t.Fatalf("point_coords 形状错误: %v", coords.Shape)
	}
	for i, pt := range points {
		if coords.Data[i*2] != pt.X*1024 || coords.Data[i*2+1] != pt.Y*1024 {
			t.Fatalf("第 %d 个点坐标错误: %v", i, coords.Data[i*2:i*2+2])
		}
	}
	labels := feeds[inputPointLabels]
	if labels.Shape[1] != 3 || labels.Data[0] != 1 || labels.Data[1] != 0 || labels.Data[2] != 1 {
		t.Fatalf("point_labels 错误: %v", labels)
	}

	if has := feeds[inputHasMaskInput]; len(has.Data) != 1 || has.Data[0] != 0 {
		t.Fatalf("has_mask_input 必须为 0: %v", has.Data)
	}
	maskInput := feeds[inputMaskInput]
	if len(maskInput.Data) != 256*256 {
		t.Fatalf("mask_input 大小错误: %d", len(maskInput.Data))
	}
	for _, v := range maskInput.Data {
		if v != 0 {
			t.Fatal("mask_input 必须全零")
		}
	}
	if size := feeds[inputOrigImSize].Data; size[0] != 1024 || size[1] != 1024 {
		t.Fatalf("orig_im_size 错误: %v", size)
	}
	if emb := feeds[inputImageEmbeddings]; len(emb.Shape) != 4 || emb.Shape[1] != 2 || len(emb.Data) != 32 {
		t.Fatalf("image_embeddings 错误: %v", emb.Shape)
	}
}

func TestDecoder_OutputsResolvedByName(t *testing.T) {
	// 声明顺序与常见导出相反
	session := decoderSession([]string{"low_res_masks", "iou_predictions"}, gradientRun)
	dec, _ := newTestDecoder(t, session, nil)
	if err := dec.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	out, err := dec.Predict(context.Background(), testEmbeddings(), []PointPrompt{{X: 0.5, Y: 0.5, Label: 1}}, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if out.Score != 0.77 {
		t.Fatalf("score 应取自 iou_predictions, 实际 %v", out.Score)
	}
	if out.Fallback {
		t.Fatal("名称已匹配, 不应回退")
	}
	// x=512: 512-64*i > 0 对 i<8 成立, 4x4 输出中前两行为前景
	for i := 0; i < 16; i++ {
		want := uint8(0)
		if i < 8 {
			want = 255
		}
		if got := out.Mask.Pix[i*4+3]; got != want {
			t.Fatalf("像素 %d alpha=%d, 期望 %d", i, got, want)
		}
	}
}

func TestDecoder_DefaultScore(t *testing.T) {
	run := func(feeds map[string]cutout.Tensor) (map[string]cutout.Tensor, error) {
		return map[string]cutout.Tensor{
			"masks": {Shape: []int64{1, 1, 2, 2}, Data: []float32{1, -1, -1, 1}},
		}, nil
	}
	dec, _ := newTestDecoder(t, decoderSession([]string{"masks"}, run), nil)
	if err := dec.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	out, err := dec.AutoSegment(context.Background(), testEmbeddings(), 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if out.Score != 0.9 {
		t.Fatalf("没有 score 输出时应为 0.9, 实际 %v", out.Score)
	}
}

func TestDecoder_MultiMaskPicksBestScore(t *testing.T) {
	run := func(feeds map[string]cutout.Tensor) (map[string]cutout.Tensor, error) {
		mask := []float32{
			-1, -1, -1, -1, // 0
			1, 1, 1, 1, // 1
			1, -1, 1, -1, // 2
		}
		return map[string]cutout.Tensor{
			"iou_scores": {Shape: []int64{1, 3}, Data: []float32{0.2, 0.95, 0.5}},
			"pred_masks": {Shape: []int64{1, 3, 2, 2}, Data: mask},
		}, nil
	}
	dec, _ := newTestDecoder(t, decoderSession([]string{"iou_scores", "pred_masks"}, run), nil)
	if err := dec.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	out, err := dec.AutoSegment(context.Background(), testEmbeddings(), 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if out.Score != 0.95 {
		t.Fatalf("应选择最高分 Mask, 实际 score=%v", out.Score)
	}
	for i := 0; i < 4; i++ {
		if out.Mask.Pix[i*4+3] != 255 {
			t.Fatal("应使用第 1 张 Mask")
		}
	}
}

func TestDecoder_InferenceErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	run := func(map[string]cutout.Tensor) (map[string]cutout.Tensor, error) { return nil, boom }
	session := decoderSession([]string{"masks"}, run)
	dec, _ := newTestDecoder(t, session, nil)
	if err := dec.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := dec.AutoSegment(context.Background(), testEmbeddings(), 2, 2); !errors.Is(err, boom) {
		t.Fatalf("推理错误应原样向上传递: %v", err)
	}
	if len(session.feeds) != 1 {
		t.Fatalf("推理失败不应自动重试, 调用次数 %d", len(session.feeds))
	}
}

func TestDecoder_Dispose(t *testing.T) {
	session := decoderSession([]string{"iou_predictions", "low_res_masks"}, gradientRun)
	dec, _ := newTestDecoder(t, session, nil)

	dec.Dispose() // 未初始化
	if err := dec.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	dec.Dispose()
	dec.Dispose()

	if dec.Ready() {
		t.Fatal("Dispose 后不应就绪")
	}
	if session.destroyed != 1 {
		t.Fatalf("会话应只释放一次, 实际 %d", session.destroyed)
	}
	if _, err := dec.AutoSegment(context.Background(), testEmbeddings(), 2, 2); !errors.Is(err, ErrInferenceNotReady) {
		t.Fatalf("Dispose 后调用应返回 ErrInferenceNotReady: %v", err)
	}
}

func TestDecoder_ReadyDuringInference(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	run := func(feeds map[string]cutout.Tensor) (map[string]cutout.Tensor, error) {
		close(entered)
		<-release
		return gradientRun(feeds)
	}
	session := decoderSession([]string{"iou_predictions", "low_res_masks"}, run)
	dec, _ := newTestDecoder(t, session, nil)
	if err := dec.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	predicted := make(chan error, 1)
	go func() {
		_, err := dec.AutoSegment(context.Background(), testEmbeddings(), 4, 4)
		predicted <- err
	}()
	<-entered

	checked := make(chan bool, 1)
	go func() { checked <- dec.Ready() && dec.Provider() == cutout.ProviderCUDA }()
	select {
	case ok := <-checked:
		if !ok {
			t.Fatal("推理期间应保持就绪")
		}
	case <-time.After(time.Second):
		t.Fatal("Ready 被进行中的推理阻塞")
	}

	disposed := make(chan struct{})
	go func() {
		dec.Dispose()
		close(disposed)
	}()
	select {
	case <-disposed:
		t.Fatal("Dispose 不应在推理结束前释放会话")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-predicted; err != nil {
		t.Fatalf("推理失败: %v", err)
	}
	<-disposed
	if session.destroyed != 1 {
		t.Fatalf("会话应在推理结束后释放一次, 实际 %d", session.destroyed)
	}
}

func TestUpscaleMaskLogits(t *testing.T) {
	logits := []float32{
		2.5, 0,
		-0.25, 1e-6,
	}
	out := upscaleMaskLogits(logits, 2, 2, 4, 4)
	want := [][]uint8{
		{255, 255, 0, 0},
		{255, 255, 0, 0},
		{0, 0, 255, 255},
		{0, 0, 255, 255},
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			i := out.PixOffset(x, y)
			if out.Pix[i+3] != want[y][x] {
				t.Fatalf("(%d,%d) alpha=%d, 期望 %d", x, y, out.Pix[i+3], want[y][x])
			}
			if out.Pix[i] != 255 || out.Pix[i+1] != 255 || out.Pix[i+2] != 255 {
				t.Fatalf("(%d,%d) RGB 应为白色", x, y)
			}
		}
	}
}

func TestUpscaleMaskLogits_Downscale(t *testing.T) {
	// 256 -> 3, 每个输出像素取 floor(x/3*256)
	logits := make([]float32, 256*256)
	for i := range logits {
		logits[i] = -1
	}
	logits[85*256+85] = 1 // (1,1) -> src 85
	out := upscaleMaskLogits(logits, 256, 256, 3, 3)
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			want := uint8(0)
			if x == 1 && y == 1 {
				want = 255
			}
			if got := out.Pix[out.PixOffset(x, y)+3]; got != want {
				t.Fatalf("(%d,%d) alpha=%d, 期望 %d", x, y, got, want)
			}
		}
	}
}

func TestEmbeddings_Tensor(t *testing.T) {
	emb := testEmbeddings()
	tensor, err := emb.Tensor()
	if err != nil {
		t.Fatal(err)
	}
	if len(tensor.Data) != 32 || tensor.Data[31] != float32(31)/10 {
		t.Fatalf("解码结果错误: %v", tensor.Data)
	}

	bad := *emb
	bad.Shape = []int64{1, 256, 64, 64}
	if _, err := bad.Tensor(); err == nil {
		t.Fatal("shape 与数据长度不符时应报错")
	}
	bad.Data = "!!"
	if _, err := bad.Tensor(); err == nil {
		t.Fatal("非法 base64 应报错")
	}
}
