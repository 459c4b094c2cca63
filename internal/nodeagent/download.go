package nodeagent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	objstore "ray-deployer/internal/shared/minio"
	"ray-deployer/internal/shared/model"
	"ray-deployer/pkg/logging"
)

// 常见模型文件；除 config.json 外均为可选，404 时跳过
var commonModelFiles = []string{
	"config.json",
	"generation_config.json",
	"pytorch_model.bin",
	"pytorch_model.bin.index.json",
	"model.safetensors",
	"model.safetensors.index.json",
	"tokenizer.json",
	"tokenizer_config.json",
	"vocab.txt",
	"vocab.json",
	"merges.txt",
	"special_tokens_map.json",
	"README.md",
}

var errRemoteNotFound = errors.New("remote file not found")

// ObjectSource 对象存储（objstore.Client 实现）
type ObjectSource interface {
	List(ctx context.Context, bucket, prefix string) ([]objstore.Object, error)
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Downloader 模型下载
//
// 同一模型的并发下载串行执行；本地文件大小与远端一致时跳过，不重复传输。
type Downloader struct {
	modelsDir      string
	huggingFaceURL string
	modelScopeURL  string
	http           *http.Client
	objects        ObjectSource
	metrics        *Metrics
	log            *logging.Logger

	locks sync.Map // model dir -> *sync.Mutex
}

// DownloaderOption 下载器选项
type DownloaderOption func(*Downloader)

// WithObjectSource 启用 minio:// 本地模型来源
func WithObjectSource(src ObjectSource) DownloaderOption {
	return func(d *Downloader) { d.objects = src }
}

// WithDownloadHTTPClient 指定 HTTP 客户端
func WithDownloadHTTPClient(c *http.Client) DownloaderOption {
	return func(d *Downloader) { d.http = c }
}

// WithDownloadMetrics 记录下载字节数与文件数
func WithDownloadMetrics(m *Metrics) DownloaderOption {
	return func(d *Downloader) { d.metrics = m }
}

// NewDownloader 创建下载器
func NewDownloader(modelsDir, huggingFaceURL, modelScopeURL string, log *logging.Logger, opts ...DownloaderOption) *Downloader {
	if log == nil {
		log = logging.Discard()
	}
	d := &Downloader{
		modelsDir:      modelsDir,
		huggingFaceURL: strings.TrimRight(huggingFaceURL, "/"),
		modelScopeURL:  strings.TrimRight(modelScopeURL, "/"),
		http:           &http.Client{},
		log:            log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ModelDir 模型本地目录：<models_dir>/<modelName 中 / 替换为 _>
func (d *Downloader) ModelDir(modelName string) string {
	return filepath.Join(d.modelsDir, model.ModelDirName(modelName))
}

type remoteFile struct {
	Path     string
	URL      string
	Size     int64 // 已知的远端大小，0 表示未知
	Optional bool
}

type fetchStats struct {
	downloaded int
	skipped    int
}

// Download 下载模型；失败以 FAILED 状态返回，不返回 error
func (d *Downloader) Download(ctx context.Context, req model.DownloadRequest) *model.DownloadResult {
	if strings.TrimSpace(req.ModelName) == "" {
		return &model.DownloadResult{Status: model.RemoteFailed, Error: "modelName is required"}
	}
	id := req.ModelID
	if id == "" {
		id = req.ModelName
	}
	dir := d.ModelDir(req.ModelName)

	mu, _ := d.locks.LoadOrStore(dir, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	d.log.Info("Model download started", "model", req.ModelName, "source", req.ModelSource, "model_id", id, "dir", dir)

	var (
		stats fetchStats
		err   error
	)
	switch req.ModelSource {
	case model.ModelSourceHuggingFace, "":
		stats, err = d.fromHuggingFace(ctx, id, dir)
	case model.ModelSourceModelScope:
		stats, err = d.fromModelScope(ctx, id, dir)
	case model.ModelSourceLocal:
		if bucket, prefix, ok := objstore.ParseURI(id); ok {
			stats, err = d.fromObjectStore(ctx, bucket, prefix, dir)
		} else {
			dir, err = localModelDir(id, dir)
		}
	default:
		err = fmt.Errorf("unsupported model source %q", req.ModelSource)
	}
	if err != nil {
		d.log.Error("Model download failed", "model", req.ModelName, "error", err)
		return &model.DownloadResult{Status: model.RemoteFailed, DownloadPath: dir, Error: err.Error()}
	}

	size, checksum, err := checksumDir(dir)
	if err != nil {
		return &model.DownloadResult{Status: model.RemoteFailed, DownloadPath: dir, Error: fmt.Sprintf("failed to compute checksum: %v", err)}
	}
	d.log.Info("Model download completed", "model", req.ModelName, "dir", dir,
		"size", formatSize(size), "downloaded", stats.downloaded, "skipped", stats.skipped)

	return &model.DownloadResult{
		Status:          model.RemoteSuccess,
		DownloadPath:    dir,
		ModelSize:       formatSize(size),
		SizeBytes:       size,
		Checksum:        checksum,
		FilesDownloaded: stats.downloaded,
		FilesSkipped:    stats.skipped,
	}
}

// ============================================================================
// HuggingFace
// ============================================================================

func (d *Downloader) fromHuggingFace(ctx context.Context, id, dir string) (fetchStats, error) {
	base := d.huggingFaceURL + "/" + id + "/resolve/main/"
	files := make([]remoteFile, 0, len(commonModelFiles))
	for _, name := range commonModelFiles {
		files = append(files, remoteFile{Path: name, URL: base + name, Optional: name != "config.json"})
	}
	stats, err := d.fetchAll(ctx, dir, files)
	if err != nil {
		return stats, err
	}

	// 分片权重：按 index 文件的 weight_map 补齐
	shards, err := shardFiles(dir)
	if err != nil {
		return stats, err
	}
	var extra []remoteFile
	for _, name := range shards {
		extra = append(extra, remoteFile{Path: name, URL: base + name})
	}
	more, err := d.fetchAll(ctx, dir, extra)
	stats.downloaded += more.downloaded
	stats.skipped += more.skipped
	return stats, err
}

// shardFiles 读取 *.index.json 中引用的分片文件名
func shardFiles(dir string) ([]string, error) {
	seen := map[string]bool{}
	var names []string
	for _, index := range []string{"model.safetensors.index.json", "pytorch_model.bin.index.json"} {
		data, err := os.ReadFile(filepath.Join(dir, index))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var idx struct {
			WeightMap map[string]string `json:"weight_map"`
		}
		if err := json.Unmarshal(data, &idx); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", index, err)
		}
		for _, shard := range idx.WeightMap {
			if !seen[shard] {
				seen[shard] = true
				names = append(names, shard)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// ============================================================================
// ModelScope
// ============================================================================

type modelScopeFile struct {
	Path string `json:"Path"`
	Type string `json:"Type"`
	Size int64  `json:"Size"`
}

func (d *Downloader) fromModelScope(ctx context.Context, id, dir string) (fetchStats, error) {
	files, err := d.listModelScope(ctx, id)
	if err != nil || len(files) == 0 {
		d.log.Warn("ModelScope file list unavailable, using common file list", "model_id", id, "error", err)
		files = nil
		for _, name := range commonModelFiles {
			files = append(files, remoteFile{Path: name, URL: d.modelScopeFileURL(id, name), Optional: name != "config.json"})
		}
	}
	return d.fetchAll(ctx, dir, files)
}

func (d *Downloader) listModelScope(ctx context.Context, id string) ([]remoteFile, error) {
	u := fmt.Sprintf("%s/api/v1/models/%s/repo/files?Revision=master&Recursive=true", d.modelScopeURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list files: HTTP %d", resp.StatusCode)
	}

	var body struct {
		Data json.RawMessage `json:"Data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode file list: %w", err)
	}
	// Data 可能直接是数组，也可能是 {"Files": [...]}
	var entries []modelScopeFile
	if err := json.Unmarshal(body.Data, &entries); err != nil {
		var wrapped struct {
			Files []modelScopeFile `json:"Files"`
		}
		if err := json.Unmarshal(body.Data, &wrapped); err != nil {
			return nil, fmt.Errorf("decode file list: %w", err)
		}
		entries = wrapped.Files
	}

	files := make([]remoteFile, 0, len(entries))
	for _, e := range entries {
		if e.Type == "tree" || e.Path == "" {
			continue
		}
		files = append(files, remoteFile{Path: e.Path, URL: d.modelScopeFileURL(id, e.Path), Size: e.Size})
	}
	return files, nil
}

func (d *Downloader) modelScopeFileURL(id, path string) string {
	return fmt.Sprintf("%s/api/v1/models/%s/repo?Revision=master&FilePath=%s", d.modelScopeURL, id, url.QueryEscape(path))
}

// ============================================================================
// HTTP 下载
// ============================================================================

func (d *Downloader) fetchAll(ctx context.Context, dir string, files []remoteFile) (fetchStats, error) {
	var stats fetchStats
	if len(files) == 0 {
		return stats, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return stats, fmt.Errorf("failed to create model dir: %w", err)
	}
	for _, f := range files {
		skipped, err := d.fetch(ctx, dir, f)
		if errors.Is(err, errRemoteNotFound) && f.Optional {
			d.log.Debug("Optional model file not found", "file", f.Path)
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("failed to download %s: %w", f.Path, err)
		}
		if skipped {
			stats.skipped++
		} else {
			stats.downloaded++
		}
	}
	if stats.downloaded+stats.skipped == 0 {
		return stats, fmt.Errorf("no model files found")
	}
	return stats, nil
}

// fetch 下载单个文件；返回是否因大小一致而跳过
func (d *Downloader) fetch(ctx context.Context, dir string, f remoteFile) (bool, error) {
	target, err := safeJoin(dir, f.Path)
	if err != nil {
		return false, err
	}
	local := fileSize(target)
	if f.Size > 0 && local == f.Size {
		d.skip(f.Path, local)
		return true, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", "ray-deployer-agent/1.0")
	resp, err := d.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, errRemoteNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("HTTP %d from %s", resp.StatusCode, f.URL)
	}

	remote := resp.ContentLength
	if remote <= 0 {
		remote = f.Size
	}
	if remote > 0 && local == remote {
		d.skip(f.Path, local)
		return true, nil
	}
	return false, d.write(target, f.Path, resp.Body, remote)
}

func (d *Downloader) skip(name string, size int64) {
	d.log.Info("File already downloaded, skipping", "file", name, "size", formatSize(size))
	d.metrics.fileSkipped()
}

// write 写入 .part 临时文件后重命名
func (d *Downloader) write(target, name string, r io.Reader, total int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	part := target + ".part"
	out, err := os.Create(part)
	if err != nil {
		return err
	}
	pw := &progressWriter{name: name, total: total, next: 10, log: d.log}
	n, err := io.Copy(out, io.TeeReader(r, pw))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(part)
		return err
	}
	if total > 0 && n != total {
		os.Remove(part)
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", total, n)
	}
	if err := os.Rename(part, target); err != nil {
		return err
	}
	d.metrics.fileDownloaded(n)
	d.log.Info("File downloaded", "file", name, "size", formatSize(n))
	return nil
}

// ============================================================================
// 对象存储 / 本地目录
// ============================================================================

func (d *Downloader) fromObjectStore(ctx context.Context, bucket, prefix, dir string) (fetchStats, error) {
	var stats fetchStats
	if d.objects == nil {
		return stats, fmt.Errorf("object storage is not configured")
	}
	objects, err := d.objects.List(ctx, bucket, prefix)
	if err != nil {
		return stats, err
	}
	if len(objects) == 0 {
		return stats, fmt.Errorf("no objects under %s%s/%s", objstore.Scheme, bucket, prefix)
	}

	for _, obj := range objects {
		rel := strings.TrimPrefix(strings.TrimPrefix(obj.Key, prefix), "/")
		target, err := safeJoin(dir, rel)
		if err != nil {
			return stats, err
		}
		if obj.Size > 0 && fileSize(target) == obj.Size {
			d.skip(rel, obj.Size)
			stats.skipped++
			continue
		}
		rc, err := d.objects.Open(ctx, bucket, obj.Key)
		if err != nil {
			return stats, err
		}
		err = d.write(target, rel, rc, obj.Size)
		rc.Close()
		if err != nil {
			return stats, fmt.Errorf("failed to download %s: %w", obj.Key, err)
		}
		stats.downloaded++
	}
	return stats, nil
}

// localModelDir 本地来源：modelId 为已存在的目录时直接使用，否则使用约定目录
func localModelDir(id, dir string) (string, error) {
	for _, candidate := range []string{id, dir} {
		if candidate == "" || !filepath.IsAbs(candidate) {
			continue
		}
		if st, err := os.Stat(candidate); err == nil && st.IsDir() {
			return candidate, nil
		}
	}
	return dir, fmt.Errorf("local model not found: %s", id)
}

// ============================================================================
// 工具函数
// ============================================================================

// checksumDir 对目录内文件按相对路径排序后计算 sha256（路径与内容都参与）
func checksumDir(dir string) (int64, string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.Type().IsRegular() && !strings.HasSuffix(path, ".part") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	sort.Strings(files)

	h := sha256.New()
	var total int64
	for _, path := range files {
		rel, _ := filepath.Rel(dir, path)
		io.WriteString(h, filepath.ToSlash(rel)+"\n")
		f, err := os.Open(path)
		if err != nil {
			return 0, "", err
		}
		n, err := io.Copy(h, f)
		f.Close()
		if err != nil {
			return 0, "", err
		}
		total += n
	}
	return total, "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func safeJoin(dir, rel string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(rel))
	if target != dir && !strings.HasPrefix(target, filepath.Clean(dir)+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid file path %q", rel)
	}
	return target, nil
}

func fileSize(path string) int64 {
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return -1
	}
	return st.Size()
}

func formatSize(bytes int64) string {
	switch {
	case bytes < 1<<10:
		return fmt.Sprintf("%d B", bytes)
	case bytes < 1<<20:
		return fmt.Sprintf("%.1f KB", float64(bytes)/(1<<10))
	case bytes < 1<<30:
		return fmt.Sprintf("%.1f MB", float64(bytes)/(1<<20))
	default:
		return fmt.Sprintf("%.1f GB", float64(bytes)/(1<<30))
	}
}

// progressWriter 每跨过 10% 记录一次进度
type progressWriter struct {
	name    string
	total   int64
	written int64
	next    int64
	log     *logging.Logger
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.total <= 0 {
		return len(b), nil
	}
	pct := p.written * 100 / p.total
	if pct >= p.next && p.next <= 100 {
		p.log.Info("Download progress", "file", p.name, "percent", pct,
			"downloaded", formatSize(p.written), "total", formatSize(p.total))
		p.next = (pct/10 + 1) * 10
	}
	return len(b), nil
}
