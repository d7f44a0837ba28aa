package ldtelemetry

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"gopkg.in/ghodss/yaml.v1"
)

const watchRetryDuration = time.Second

// fileConfigSource reads stream configurations from local files, in either JSON or
// YAML form of the standard document. It is meant for local development and tests, and
// can optionally reload automatically when a file changes.
type fileConfigSource struct {
	sink          StreamConfigUpdateSink
	absFilePaths  []string
	autoReload    bool
	loggers       ldlog.Loggers
	isInitialized atomic.Bool
	readyCh       chan<- struct{}
	readyOnce     sync.Once
	closeOnce     sync.Once
	closeWatchCh  chan struct{}
}

func newFileConfigSource(
	sink StreamConfigUpdateSink,
	filePaths []string,
	autoReload bool,
	loggers ldlog.Loggers,
) (*fileConfigSource, error) {
	abs := make([]string, 0, len(filePaths))
	for _, p := range filePaths {
		ap, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		abs = append(abs, ap)
	}
	return &fileConfigSource{
		sink:         sink,
		absFilePaths: abs,
		autoReload:   autoReload,
		loggers:      loggers,
	}, nil
}

func (fs *fileConfigSource) Start(closeWhenReady chan<- struct{}) {
	fs.readyCh = closeWhenReady
	fs.reload()

	// Without a watcher, readiness is signaled immediately regardless of whether the
	// initial load succeeded or failed.
	if !fs.autoReload {
		fs.signalStartComplete()
		return
	}

	// With a watcher, and if the initial load failed, the readiness signal happens the
	// first time we do get valid data (in reload).
	fs.closeWatchCh = make(chan struct{})
	if err := fs.startWatcher(); err != nil {
		fs.loggers.Errorf("Unable to watch configuration files: %s", err)
		fs.signalStartComplete()
	}
}

func (fs *fileConfigSource) signalStartComplete() {
	fs.readyOnce.Do(func() {
		close(fs.readyCh)
	})
}

// Refresh rereads all configured files and replaces the registry content. If any file
// cannot be read or parsed, the registry is not modified.
func (fs *fileConfigSource) Refresh() error {
	merged := make(map[string]StreamConfig)
	for _, filePath := range fs.absFilePaths {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("unable to load stream configurations: %w [%s]", err, filePath)
		}
		var doc streamConfigsDocument
		// ghodss/yaml parses both YAML and JSON documents into the json-tagged structs.
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("malformed stream configuration file: %w [%s]", err, filePath)
		}
		for name, config := range doc.Streams {
			if _, exists := merged[name]; exists {
				return fmt.Errorf("stream %q is defined in more than one file", name)
			}
			config.Stream = name
			merged[name] = config
		}
	}

	configs := make([]StreamConfig, 0, len(merged))
	for _, config := range merged {
		configs = append(configs, config)
	}
	fs.sink.Init(configs)
	fs.isInitialized.Store(true)
	if fs.readyCh != nil {
		fs.signalStartComplete()
	}
	return nil
}

func (fs *fileConfigSource) reload() {
	if err := fs.Refresh(); err != nil {
		fs.loggers.Error(err)
	}
}

func (fs *fileConfigSource) IsInitialized() bool {
	return fs.isInitialized.Load()
}

func (fs *fileConfigSource) Close() error {
	fs.closeOnce.Do(func() {
		if fs.closeWatchCh != nil {
			close(fs.closeWatchCh)
		}
	})
	return nil
}

// startWatcher sets up fsnotify watches on each file and its parent directory (so that
// editor rename-and-replace saves are seen) and reloads on any relevant change.
func (fs *fileConfigSource) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	realPaths := make(map[string]bool)
	for _, p := range fs.absFilePaths {
		absDirPath := path.Dir(p)
		realDirPath, err := filepath.EvalSymlinks(absDirPath)
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf(`unable to evaluate symlinks for "%s": %w`, absDirPath, err)
		}
		realPath := path.Join(realDirPath, path.Base(p))
		realPaths[realPath] = true
		if err := watcher.Add(realPath); err != nil {
			_ = watcher.Close()
			return fmt.Errorf(`unable to watch path "%s": %w`, realPath, err)
		}
		if err := watcher.Add(realDirPath); err != nil {
			_ = watcher.Close()
			return fmt.Errorf(`unable to watch path "%s": %w`, realDirPath, err)
		}
	}

	go func() {
		defer func() {
			_ = watcher.Close()
		}()
		retryCh := make(chan struct{}, 1)
		scheduleRetry := func() {
			time.AfterFunc(watchRetryDuration, func() {
				select {
				case retryCh <- struct{}{}: // don't need multiple retries so no need to block
				default:
				}
			})
		}
		for {
			select {
			case <-fs.closeWatchCh:
				return
			case event := <-watcher.Events:
				if realPaths[event.Name] {
					// If the file is in the midst of being rewritten, the reload may
					// transiently fail; retry shortly rather than waiting for another
					// file event.
					if err := fs.Refresh(); err != nil {
						fs.loggers.Error(err)
						scheduleRetry()
					}
				}
			case <-retryCh:
				if err := fs.Refresh(); err != nil {
					fs.loggers.Error(err)
					scheduleRetry()
				}
			case err := <-watcher.Errors:
				fs.loggers.Errorf("File watcher error: %s", err)
			}
		}
	}()
	return nil
}

// FileConfigSourceBuilder configures the file-based stream configuration source.
//
//	config := ldtelemetry.Config{
//	    ConfigSource: ldtelemetry.FileConfigSource("./streams.yml").AutoReload(true),
//	}
type FileConfigSourceBuilder struct {
	filePaths  []string
	autoReload bool
}

// FileConfigSource returns a configurable factory for a source that reads stream
// configurations from the given files.
func FileConfigSource(filePaths ...string) *FileConfigSourceBuilder {
	return &FileConfigSourceBuilder{filePaths: filePaths}
}

// FilePaths adds more files to the set.
func (b *FileConfigSourceBuilder) FilePaths(filePaths ...string) *FileConfigSourceBuilder {
	b.filePaths = append(b.filePaths, filePaths...)
	return b
}

// AutoReload sets whether the source watches the files and reloads them when they
// change. By default it does not.
func (b *FileConfigSourceBuilder) AutoReload(autoReload bool) *FileConfigSourceBuilder {
	b.autoReload = autoReload
	return b
}

// CreateStreamConfigSource is called internally during client construction.
func (b *FileConfigSourceBuilder) CreateStreamConfigSource(
	config Config,
	sink StreamConfigUpdateSink,
) (StreamConfigSource, error) {
	if len(b.filePaths) == 0 {
		return nil, errors.New("file config source requires at least one file path")
	}
	return newFileConfigSource(sink, b.filePaths, b.autoReload, config.Loggers)
}
