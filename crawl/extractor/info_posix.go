package extractor

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"unsafe"

	goeval "github.com/edisonguo/govaluate"
)

const DefaultMaxPosixErrors = 1000

// Directories inside a granule or product that never hold granules.
var skipDirs = map[string]struct{}{
	"IMG_DATA":  {},
	"QI_DATA":   {},
	"AUX_DATA":  {},
	"HTML":      {},
	"rep_info":  {},
	"DATASTRIP": {},
}

// PosixCrawler walks directory trees looking for granule directories:
// the children of a GRANULE directory, directories carrying a scene.yaml
// descriptor, and directories holding IMG_DATA next to a tile metadata
// file.
type PosixCrawler struct {
	Outputs       chan string
	Error         chan error
	wg            sync.WaitGroup
	concLimit     chan struct{}
	outputDone    chan struct{}
	followSymlink bool
	found         []string
}

type DirEntInfo struct {
	Name string
	Mode uint8
}

func NewPosixCrawler(conc int, followSymlink bool) *PosixCrawler {
	if conc < 1 {
		conc = 1
	}
	return &PosixCrawler{
		Outputs:       make(chan string, 4096),
		Error:         make(chan error, 100),
		wg:            sync.WaitGroup{},
		concLimit:     make(chan struct{}, conc),
		outputDone:    make(chan struct{}, 1),
		followSymlink: followSymlink,
	}
}

// Crawl returns the granule directories found under currPath. Errors on
// individual directories do not stop the walk; they are joined into the
// returned error next to whatever was found.
func (pc *PosixCrawler) Crawl(currPath string) ([]string, error) {
	go pc.outputResult()

	pc.wg.Add(1)
	pc.concLimit <- struct{}{}
	pc.crawlDir(currPath, false)
	pc.wg.Wait()

	close(pc.Outputs)
	<-pc.outputDone

	close(pc.Error)
	var errors []string
	errCount := 0
	for err := range pc.Error {
		errors = append(errors, err.Error())
		errCount++
		if errCount >= DefaultMaxPosixErrors {
			errors = append(errors, " ... too many errors")
			break
		}
	}

	sort.Strings(pc.found)
	if len(errors) > 0 {
		return pc.found, fmt.Errorf("%s", strings.Join(errors, "\n"))
	}
	return pc.found, nil
}

func (pc *PosixCrawler) sendError(err error) {
	select {
	case pc.Error <- err:
	default:
	}
}

func (pc *PosixCrawler) crawlDir(currPath string, serialised bool) {
	defer pc.wg.Done()
	if !serialised {
		defer func() { <-pc.concLimit }()
	}
	files, err := readDir(currPath)
	if err != nil {
		pc.sendError(err)
		return
	}

	var dirs []string
	hasImgData, hasMetadata := false, false
	for _, fi := range files {
		fileName := fi.Name
		filePath := path.Join(currPath, fileName)
		fileMode := fi.Mode

		if fileMode == syscall.DT_LNK {
			if !pc.followSymlink {
				continue
			}
			fStat, err := os.Stat(filePath)
			if err != nil {
				pc.sendError(err)
				continue
			}

			fMode := fStat.Mode()
			if fMode.IsDir() {
				fileMode = syscall.DT_DIR
			} else if fMode.IsRegular() {
				fileMode = syscall.DT_REG
			}
		}

		switch fileMode {
		case syscall.DT_REG:
			if fileName == DescriptorFile {
				pc.Outputs <- currPath
				return
			}
			if strings.Contains(fileName, "MTD") && strings.HasSuffix(fileName, ".xml") {
				hasMetadata = true
			}
		case syscall.DT_DIR:
			if fileName == "IMG_DATA" {
				hasImgData = true
			}
			if _, skip := skipDirs[fileName]; !skip {
				dirs = append(dirs, filePath)
			}
		}
	}

	if hasImgData && hasMetadata && filepath.Base(currPath) != "GRANULE" {
		pc.Outputs <- currPath
		return
	}

	if filepath.Base(currPath) == "GRANULE" {
		for _, d := range dirs {
			pc.Outputs <- d
		}
		return
	}

	for _, d := range dirs {
		pc.wg.Add(1)
		select {
		case pc.concLimit <- struct{}{}:
			go func(p string) {
				pc.crawlDir(p, false)
			}(d)
		default:
			pc.crawlDir(d, true)
		}
	}
}

func readDir(currDir string) ([]DirEntInfo, error) {
	parentDir := filepath.Dir(currDir)

	dhParent, err := os.Open(parentDir)
	if err != nil {
		return nil, fmt.Errorf("Could not open dir: %s", err.Error())
	}
	defer dhParent.Close()
	dirFd := int(dhParent.Fd())

	file := filepath.Base(currDir)

	dh, err := syscall.Openat(dirFd, file, syscall.O_RDONLY, 0777)
	if err != nil {
		return nil, fmt.Errorf("Could not open %s: %s", currDir, err.Error())
	}
	defer syscall.Close(dh)

	origBuf := make([]byte, 4096)
	var entries []DirEntInfo
	for {
		n, errno := syscall.ReadDirent(dh, origBuf)
		if errno != nil {
			return nil, fmt.Errorf("Could not read dirent: %v", errno)
		}
		if n <= 0 {
			break
		}

		buf := origBuf[0:n]
		for len(buf) > 0 {
			dirent := (*syscall.Dirent)(unsafe.Pointer(&buf[0]))
			buf = buf[dirent.Reclen:]
			if dirent.Ino == 0 {
				continue
			}
			ii := 0
			for ; ii < len(dirent.Name); ii++ {
				if dirent.Name[ii] == 0 {
					break
				}
			}
			bytes := (*[256]byte)(unsafe.Pointer(&dirent.Name[0]))
			name := string(bytes[:][:ii])
			if name == "." || name == ".." {
				continue
			}

			if dirent.Type == syscall.DT_UNKNOWN {
				st, err := os.Lstat(path.Join(currDir, name))
				if err != nil {
					return nil, err
				}
				mode := st.Mode()
				if mode.IsDir() {
					dirent.Type = syscall.DT_DIR
				} else if mode.IsRegular() {
					dirent.Type = syscall.DT_REG
				} else if mode&os.ModeSymlink == os.ModeSymlink {
					dirent.Type = syscall.DT_LNK
				}
			}

			entries = append(entries, DirEntInfo{Name: name, Mode: dirent.Type})
		}
	}
	return entries, nil
}

func (pc *PosixCrawler) outputResult() {
	for p := range pc.Outputs {
		pc.found = append(pc.found, p)
	}
	pc.outputDone <- struct{}{}
}

// ReadInputList reads a text file listing input paths, one per line.
// Blank lines and lines starting with # are ignored.
func ReadInputList(listFile string) ([]string, error) {
	f, err := os.Open(listFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	return paths, scanner.Err()
}

// DiscoverGranules expands input locations into granule directories. An
// input may be a product (.SAFE), a granule, or any directory holding
// those. A missing input is an error; unreadable subdirectories are
// reported in the returned error next to the granules that were found.
func DiscoverGranules(inputs []string, conc int, followSymlink bool) ([]string, error) {
	seen := make(map[string]struct{})
	var granules []string
	var crawlErrs []string

	for _, in := range inputs {
		absPath, err := filepath.Abs(in)
		if err != nil {
			return nil, err
		}
		st, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("Input %s: %v", in, err)
		}
		if !st.IsDir() {
			return nil, fmt.Errorf("Input %s is not a directory", in)
		}

		found, err := NewPosixCrawler(conc, followSymlink).Crawl(absPath)
		if err != nil {
			crawlErrs = append(crawlErrs, err.Error())
		}
		for _, g := range found {
			if _, ok := seen[g]; ok {
				continue
			}
			seen[g] = struct{}{}
			granules = append(granules, g)
		}
	}

	sort.Strings(granules)
	if len(crawlErrs) > 0 {
		return granules, fmt.Errorf("%s", strings.Join(crawlErrs, "\n"))
	}
	return granules, nil
}

var patternVariables = map[string]struct{}{
	"path": {}, "name": {}, "tile": {}, "level": {}, "platform": {},
}

// ParsePatternExpression compiles a scene filter expression such as
// `tile == "36KWA" && level != "1C"`. An empty pattern yields nil.
func ParsePatternExpression(pattern string) (*goeval.EvaluableExpression, error) {
	if len(strings.TrimSpace(pattern)) == 0 {
		return nil, nil
	}

	expr, err := goeval.NewEvaluableExpression(pattern)
	if err != nil {
		return nil, err
	}

	for _, token := range expr.Tokens() {
		if token.Kind == goeval.VARIABLE {
			varName, ok := token.Value.(string)
			if !ok {
				return nil, fmt.Errorf("variable token '%v' failed to cast string", token.Value)
			}
			if _, found := patternVariables[varName]; !found {
				return nil, fmt.Errorf("variable %v is not supported. Valid variables are path, name, tile, level and platform", varName)
			}
		}
	}
	return expr, nil
}

// EvaluatePattern applies a compiled filter expression to a scene. A nil
// expression accepts everything.
func EvaluatePattern(expr *goeval.EvaluableExpression, scene *SceneInfo) (bool, error) {
	if expr == nil {
		return true, nil
	}
	parameters := map[string]interface{}{
		"path":     scene.Path,
		"name":     scene.Name(),
		"tile":     scene.Tile,
		"level":    scene.Level,
		"platform": scene.Platform,
	}
	result, err := expr.Evaluate(parameters)
	if err != nil {
		return false, fmt.Errorf("pattern expression: %v", err)
	}

	val, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("pattern expression: result '%v' is not boolean", result)
	}
	return val, nil
}
